package backend

import (
	"sort"
	"sync"

	"vqvdb/internal/codecerr"
)

// Options are construction-time settings shared by all backends. Backends
// ignore the ones they have no use for.
type Options struct {
	// MemoryLimit bounds the tensor bytes of one batch on the device (0 = none).
	MemoryLimit int64
	// Threads bounds intra-op parallelism (0 = engine default).
	Threads int
	// SharedLibrary is the path of a runtime shared library (ONNX Runtime).
	SharedLibrary string
}

// Option mutates Options.
type Option func(*Options)

func WithMemoryLimit(bytes int64) Option { return func(o *Options) { o.MemoryLimit = bytes } }
func WithThreads(n int) Option { return func(o *Options) { o.Threads = n } }
func WithSharedLibrary(path string) Option {
	return func(o *Options) { o.SharedLibrary = path }
}

// Constructor opens modelPath on dev. It must fail with a ModelLoad error
// when the model is missing or malformed, or the device cannot be honored.
type Constructor func(modelPath string, dev Device, opts Options) (Codec, error)

var (
	mu           sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a backend available under id. Call it from package init.
func Register(id string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := constructors[id]; dup {
		panic("backend: Register called twice for " + id)
	}
	constructors[id] = c
}

// Available lists the registered backend identifiers in sorted order.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()
	ids := make([]string, 0, len(constructors))
	for id := range constructors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup fails with UnknownBackend if id was not compiled in. It performs
// no I/O.
func Lookup(id string) error {
	_, err := lookup(id)
	return err
}

func lookup(id string) (Constructor, error) {
	mu.RLock()
	c, ok := constructors[id]
	mu.RUnlock()
	if !ok {
		return nil, codecerr.New(codecerr.UnknownBackend, "backend.create",
			"%q is not compiled into this build (available: %v)", id, Available())
	}
	return c, nil
}

// Create constructs the backend id for modelPath on dev.
func Create(id, modelPath string, dev Device, opts ...Option) (Codec, error) {
	c, err := lookup(id)
	if err != nil {
		return nil, err
	}
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return c(modelPath, dev, o)
}
