package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/grid"
	"vqvdb/internal/orchestrator"
)

const fakeBackend = "test-manager"

// fakeCodec maps each value to a token of the same value. Paths registered
// in blockers make Encode wait until the channel is closed.
type fakeCodec struct {
	desc    backend.Descriptor
	shut    atomic.Bool
	shutErr error
	entered chan struct{}
	block   chan struct{}
}

var (
	fakesMu  sync.Mutex
	creates  = map[string]int{}
	fakes    = map[string]*fakeCodec{}
	blockers = map[string]chan struct{}{}
)

func init() {
	backend.Register(fakeBackend, func(path string, dev backend.Device, _ backend.Options) (backend.Codec, error) {
		fakesMu.Lock()
		defer fakesMu.Unlock()
		creates[path]++
		if path == "fail" {
			return nil, codecerr.New(codecerr.ModelLoad, "fake.open", "no such model")
		}
		c := &fakeCodec{
			desc: backend.Descriptor{ModelID: path, PatchSize: 2, TokenLength: 8, AlphabetSize: 256,
				Channels: 1, Device: dev, ConcurrentSafe: path == "concurrent"},
			entered: make(chan struct{}, 16),
			block:   blockers[path],
		}
		if path == "shutfail" {
			c.shutErr = errors.New("device reset")
		}
		fakes[path] = c
		return c, nil
	})
}

func createCount(path string) int {
	fakesMu.Lock()
	defer fakesMu.Unlock()
	return creates[path]
}

func fakeFor(path string) *fakeCodec {
	fakesMu.Lock()
	defer fakesMu.Unlock()
	return fakes[path]
}

func blockPath(path string) chan struct{} {
	fakesMu.Lock()
	defer fakesMu.Unlock()
	ch := make(chan struct{})
	blockers[path] = ch
	return ch
}

func (c *fakeCodec) Describe() backend.Descriptor { return c.desc }

func (c *fakeCodec) Encode(ctx context.Context, patches [][]float32) ([][]backend.Token, error) {
	if c.shut.Load() {
		return nil, backend.ErrShutdown("fake.encode")
	}
	if c.block != nil {
		c.entered <- struct{}{}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]backend.Token, len(patches))
	for i, p := range patches {
		out[i] = make([]backend.Token, len(p))
		for j, v := range p {
			out[i][j] = backend.Token(v)
		}
	}
	return out, nil
}

func (c *fakeCodec) Decode(_ context.Context, tokens [][]backend.Token) ([][]float32, error) {
	if c.shut.Load() {
		return nil, backend.ErrShutdown("fake.decode")
	}
	out := make([][]float32, len(tokens))
	for i, arr := range tokens {
		out[i] = make([]float32, len(arr))
		for j, t := range arr {
			out[i][j] = float32(t)
		}
	}
	return out, nil
}

func (c *fakeCodec) Shutdown() error {
	c.shut.Store(true)
	return c.shutErr
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := New(orchestrator.New(orchestrator.Config{}), cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func req(path string) orchestrator.Request {
	return orchestrator.Request{Backend: fakeBackend, ModelPath: path}
}

func smallGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g := grid.New(1)
	for i := int32(0); i < 4; i++ {
		if err := g.Set(grid.Coord{X: i, Y: i % 2, Z: 1}, float32(3*i+1)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	return g
}
