// Package types holds the JSON payloads of the HTTP API.
package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: tiler.tile: empty grid: grid has no active voxels
	Error string `json:"error" example:"tiler.tile: empty grid: grid has no active voxels"`
	// Error kind from the codec taxonomy, when known.
	// example: model_mismatch
	Kind string `json:"kind,omitempty" example:"model_mismatch"`
	// HTTP status code.
	// example: 422
	Code int `json:"code" example:"422"`
}

// ModelInfo describes a model manifest the server can load by id.
type ModelInfo struct {
	// example: fog-p8
	ID string `json:"id" example:"fog-p8"`
	// Backend kind the manifest is written for.
	// example: native
	Kind string `json:"kind" example:"native"`
}

// BackendsResponse is returned by GET /v1/backends.
type BackendsResponse struct {
	// Backends compiled into this build.
	// example: ["identity","native"]
	Backends []string `json:"backends" example:"[\"identity\",\"native\"]"`
	// Models discovered in the models directory.
	Models []ModelInfo `json:"models"`
	// Default backend and model used when a request names neither.
	DefaultBackend string `json:"default_backend"`
	DefaultModel   string `json:"default_model,omitempty"`
}

// ContainerInfo is returned by POST /v1/inspect.
type ContainerInfo struct {
	Version      int        `json:"version"`
	ModelID      string     `json:"model_id"`
	PatchSize    int        `json:"patch_size"`
	TokenLength  int        `json:"token_length"`
	AlphabetSize int        `json:"alphabet_size"`
	Channels     int        `json:"channels"`
	GridName     string     `json:"grid_name"`
	GridClass    string     `json:"grid_class"`
	VoxelSize    [3]float64 `json:"voxel_size"`
	Background   []float32  `json:"background"`
	PatchCount   int        `json:"patch_count"`
	ActiveVoxels uint64     `json:"active_voxels"`
	Compression  string     `json:"compression"`
	TokenWidth   int        `json:"token_width"`
	StoredBytes  int64      `json:"stored_bytes"`
	RawBytes     int64      `json:"raw_bytes"`
	FileBytes    int64      `json:"file_bytes"`
	// Ratio of raw token bytes to stored bytes.
	Ratio float64 `json:"ratio"`
}

// InstanceStatus describes one warm codec.
type InstanceStatus struct {
	Backend   string `json:"backend" example:"native"`
	ModelPath string `json:"model_path" example:"/models/fog-p8.yaml"`
	// Model id declared by the loaded model; empty while loading.
	ModelID  string `json:"model_id,omitempty" example:"fog-p8"`
	Device   string `json:"device" example:"cpu"`
	State    string `json:"state" example:"ready"`
	LastUsed int64  `json:"last_used_unix"`
	LoadedAt int64  `json:"loaded_at_unix,omitempty"`
	QueueLen int    `json:"queue_len"`
	Inflight int    `json:"inflight"`
	// MaxQueueDepth is the capacity of the instance queue.
	MaxQueueDepth int `json:"max_queue_depth"`
	MaxInflight   int `json:"max_inflight"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	// example: ready
	State         string           `json:"state" example:"ready"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	MaxInstances  int              `json:"max_instances"`
	Instances     []InstanceStatus `json:"instances"`
}
