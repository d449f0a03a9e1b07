package manager

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxInstances  = 4
	defaultMaxQueueDepth = 32
	defaultMaxInflight   = 4
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	// MaxInstances bounds the number of warm codecs; the least recently used
	// idle one is shut down to make room.
	MaxInstances  int
	MaxQueueDepth int
	// MaxInflight bounds concurrent calls into a concurrency-safe codec.
	MaxInflight  int
	MaxWait      time.Duration
	DrainTimeout time.Duration
	Logger       *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaultMaxInflight
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	return c
}
