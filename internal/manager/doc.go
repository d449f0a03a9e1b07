// Package manager keeps opened codecs warm between requests and admits work
// into them. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, Encode/Decode entry points.
//   - config.go: Config and package defaults.
//   - types.go: instance state types.
//   - errors.go: error types and helpers (IsTooBusy).
//   - ensure.go: opening instances, one load per key.
//   - admission.go: per-instance queueing and in-flight admission.
//   - evict.go: LRU eviction, Unload and Close.
//   - status.go: Status reporting.
//
// An instance is keyed by backend, model path and device. Codecs that are not
// concurrency-safe admit one call at a time; the others admit up to
// Config.MaxInflight.
package manager
