package manager

import (
	"time"

	"vqvdb/internal/backend"
)

// State represents the lifecycle state of an instance.
type State string

const (
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateDraining State = "draining"
)

// Key identifies an instance.
type Key struct {
	Backend   string
	ModelPath string
	Device    string
}

func (k Key) String() string { return k.Backend + ":" + k.ModelPath + "@" + k.Device }

// Instance is one opened codec.
type Instance struct {
	Key      Key
	State    State
	LastUsed time.Time
	Loaded   time.Time

	codec backend.Codec
	err   error
	// ready is closed once the load finished, successfully or not.
	ready chan struct{}
	// Queueing primitives
	genCh   chan struct{} // in-flight calls
	queueCh chan struct{} // buffered: queue slots
}

func (i *Instance) idle() bool { return len(i.genCh) == 0 && len(i.queueCh) == 0 }
