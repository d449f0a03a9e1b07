package orchestrator

import (
	"github.com/rs/zerolog"

	"vqvdb/internal/backend"
	"vqvdb/internal/container"
)

// Defaults applied when the corresponding fields are unset.
const (
	DefaultBatchSize = 64
	DefaultWorkers   = 4
)

// ProgressFunc is called after every finished batch with the number of
// patches done so far. Calls for one operation are serialized and done is
// non-decreasing.
type ProgressFunc func(op string, done, total int)

// Config holds orchestrator tunables shared by every call.
type Config struct {
	// Workers bounds CPU-side parallelism and, for concurrency-safe codecs,
	// the number of batches in flight.
	Workers int
	// Compression of the token stream written by Encode.
	Compression container.Compression
	// Logger receives call and batch events; nil discards them.
	Logger   *zerolog.Logger
	Progress ProgressFunc
	// OnStats receives the profile of every successful call.
	OnStats func(Stats)
	// Limits bound the containers Decode accepts; zero fields take
	// container.DefaultLimits.
	Limits container.Limits
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Request selects the backend and model for one call.
type Request struct {
	Backend   string
	ModelPath string
	// Device is "cpu", "cuda" or "cuda:N"; empty means cpu.
	Device    string
	BatchSize int
	Options   []backend.Option
}

func (r Request) batchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}
