package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vqvdb/internal/backend"
	_ "vqvdb/internal/backend/identity"
	"vqvdb/internal/backend/native"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/internal/store"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func identityModel(t *testing.T, id string, patch int) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "identity.yaml",
		fmt.Sprintf("id: %s\nkind: identity\npatch_size: %d\nalphabet_size: 256\n", id, patch))
}

func cube(t *testing.T, size int32, value func(c grid.Coord) float32) *grid.Grid {
	t.Helper()
	g := grid.New(1)
	for z := int32(0); z < size; z++ {
		for y := int32(0); y < size; y++ {
			for x := int32(0); x < size; x++ {
				c := grid.Coord{X: x, Y: y, Z: z}
				require.NoError(t, g.Set(c, value(c)))
			}
		}
	}
	return g
}

func ramp(c grid.Coord) float32 { return float32((c.X + 2*c.Y + 3*c.Z) % 256) }

func TestIdentityZeroCubeEightPatches(t *testing.T) {
	ctx := context.Background()
	g := cube(t, 8, func(grid.Coord) float32 { return 0 })
	var got Stats
	o := New(Config{OnStats: func(s Stats) { got = s }})
	req := Request{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4)}

	data, err := o.Encode(ctx, g, req)
	require.NoError(t, err)
	require.Equal(t, 8, got.Patches)

	f, err := container.Read(data)
	require.NoError(t, err)
	require.Equal(t, 8, f.PatchCount)
	for _, arr := range f.Tokens {
		require.Len(t, arr, 64)
		for _, tok := range arr {
			require.Zero(t, tok)
		}
	}

	out, err := o.Decode(ctx, data, req)
	require.NoError(t, err)
	require.Equal(t, 512, out.ActiveCount())
	require.True(t, grid.ActiveEqual(g, out, 0))
}

func TestIdentityRoundTripWithBoundaryPadding(t *testing.T) {
	ctx := context.Background()
	g := cube(t, 10, ramp)
	require.NoError(t, g.Set(grid.Coord{X: -7, Y: 3, Z: 40}, 9))
	g.SetName("density")
	req := Request{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4), BatchSize: 5}

	data, err := Encode(ctx, g, req)
	require.NoError(t, err)
	out, err := Decode(ctx, data, req)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))
	require.Equal(t, g.ActiveCount(), out.ActiveCount())
	require.Equal(t, "density", out.Meta().Name)
}

func nativeModel(t *testing.T) (string, *native.Weights) {
	t.Helper()
	dir := t.TempDir()
	w := native.ProjectionWeights("native-p4s2", 8, 32, 0, 4, 11)
	require.NoError(t, native.SaveWeights(filepath.Join(dir, "w.vqw"), w))
	return writeFile(t, dir, "native.yaml",
		"id: native-p4s2\nkind: native\npatch_size: 4\nlatent_stride: 2\nalphabet_size: 32\nweights: w.vqw\n"), w
}

func TestNativeRoundTripOnCodebookData(t *testing.T) {
	ctx := context.Background()
	path, w := nativeModel(t)
	// each 2x2x2 latent block holds one codebook entry
	g := cube(t, 8, func(c grid.Coord) float32 {
		block := int((c.X/2)+(c.Y/2)*4+(c.Z/2)*16) % w.K
		local := int((c.Z%2)*4 + (c.Y%2)*2 + c.X%2)
		return float32(w.Codebook[block*w.Dim+local])
	})
	req := Request{Backend: "native", ModelPath: path}
	data, err := Encode(ctx, g, req)
	require.NoError(t, err)
	out, err := Decode(ctx, data, req)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))

	again, err := Encode(ctx, out, req)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestBatchSizeInvariance(t *testing.T) {
	ctx := context.Background()
	nativePath, _ := nativeModel(t)
	g := cube(t, 13, func(c grid.Coord) float32 { return float32((c.X*7+c.Y*3+c.Z)%17) / 4 })
	for _, req := range []Request{
		{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4)},
		{Backend: "native", ModelPath: nativePath},
	} {
		var ref []byte
		for _, bs := range []int{1, 4, 64} {
			req.BatchSize = bs
			data, err := New(Config{Workers: 3}).Encode(ctx, g, req)
			require.NoError(t, err)
			if ref == nil {
				ref = data
				continue
			}
			require.Equal(t, ref, data, "%s batch size %d", req.Backend, bs)
		}
	}
}

type countingStore struct {
	store.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

func TestUnknownBackendFailsBeforeIO(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: store.NewMemory()}
	require.NoError(t, st.Put(ctx, "g.vqvdb", []byte("not even a container")))

	req := Request{Backend: "no-such-backend", ModelPath: "/does/not/exist.yaml"}
	_, err := Default.DecodeFrom(ctx, st, "g.vqvdb", req)
	require.True(t, codecerr.IsUnknownBackend(err), "got %v", err)
	require.Zero(t, st.gets.Load())

	_, err = Encode(ctx, cube(t, 2, ramp), req)
	require.True(t, codecerr.IsUnknownBackend(err), "got %v", err)
	_, err = Decode(ctx, []byte("garbage"), req)
	require.True(t, codecerr.IsUnknownBackend(err), "got %v", err)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)
	g := cube(t, 6, ramp)
	req := Request{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4)}
	require.NoError(t, Default.EncodeTo(ctx, st, "grids/ramp.vqvdb", g, req))
	out, err := Default.DecodeFrom(ctx, st, "grids/ramp.vqvdb", req)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))

	_, err = Default.DecodeFrom(ctx, st, "grids/missing.vqvdb", req)
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestModelMismatch(t *testing.T) {
	ctx := context.Background()
	g := cube(t, 4, ramp)
	data, err := Encode(ctx, g, Request{Backend: "identity", ModelPath: identityModel(t, "A", 4)})
	require.NoError(t, err)
	_, err = Decode(ctx, data, Request{Backend: "identity", ModelPath: identityModel(t, "B", 4)})
	require.True(t, codecerr.IsModelMismatch(err), "got %v", err)
	_, err = Decode(ctx, data, Request{Backend: "identity", ModelPath: identityModel(t, "A", 2)})
	require.True(t, codecerr.IsModelMismatch(err), "got %v", err)
}

func TestContainerErrorsSurface(t *testing.T) {
	ctx := context.Background()
	req := Request{Backend: "identity", ModelPath: identityModel(t, "A", 4)}
	data, err := Encode(ctx, cube(t, 4, ramp), req)
	require.NoError(t, err)
	_, err = Decode(ctx, data[:len(data)-1], req)
	require.True(t, codecerr.IsTruncatedFile(err), "got %v", err)
}

func TestEncodeErrors(t *testing.T) {
	ctx := context.Background()
	req := Request{Backend: "identity", ModelPath: identityModel(t, "A", 4)}
	_, err := Encode(ctx, grid.New(1), req)
	require.True(t, codecerr.IsEmptyGrid(err), "got %v", err)
	_, err = Encode(ctx, nil, req)
	require.True(t, codecerr.IsEmptyGrid(err), "got %v", err)

	vec := grid.New(3)
	require.NoError(t, vec.Set(grid.Coord{}, 1, 2, 3))
	_, err = Encode(ctx, vec, req)
	require.True(t, codecerr.IsShapeMismatch(err), "got %v", err)

	_, err = Encode(ctx, cube(t, 2, ramp), Request{Backend: "identity", ModelPath: req.ModelPath, Device: "cuda"})
	require.True(t, codecerr.IsModelLoad(err), "got %v", err)
	_, err = Encode(ctx, cube(t, 2, ramp), Request{Backend: "identity", ModelPath: req.ModelPath, Device: "tpu"})
	require.True(t, codecerr.IsModelLoad(err), "got %v", err)
}

func TestOOMRetryHalvesBatch(t *testing.T) {
	ctx := context.Background()
	g := grid.New(1)
	for z := int32(0); z < 8; z++ {
		for y := int32(0); y < 16; y++ {
			for x := int32(0); x < 16; x++ {
				require.NoError(t, g.Set(grid.Coord{X: x, Y: y, Z: z}, 1))
			}
		}
	}
	path := identityModel(t, "id-p4", 4)
	// one patch needs (64 values + 64 tokens) * 4 bytes
	const perPatch = 512
	var stats Stats
	o := New(Config{OnStats: func(s Stats) { stats = s }, Workers: 1})

	req := Request{Backend: "identity", ModelPath: path, BatchSize: 32,
		Options: []backend.Option{backend.WithMemoryLimit(16 * perPatch)}}
	data, err := o.Encode(ctx, g, req)
	require.NoError(t, err)
	require.Equal(t, 32, stats.Patches)
	require.Equal(t, 1, stats.OOMRetries)

	plain, err := o.Encode(ctx, g, Request{Backend: "identity", ModelPath: path, BatchSize: 32})
	require.NoError(t, err)
	require.Equal(t, plain, data)

	req.Options = []backend.Option{backend.WithMemoryLimit(8 * perPatch)}
	_, err = o.Encode(ctx, g, req)
	require.True(t, codecerr.IsResourceExhausted(err), "got %v", err)
}

// serialCodec is a fake backend that records how many calls overlap.
type serialCodec struct {
	desc     backend.Descriptor
	inflight atomic.Int32
	peak     atomic.Int32
	stopErr  error
	stopped  atomic.Bool
}

func newSerialCodec(concurrent bool) *serialCodec {
	return &serialCodec{desc: backend.Descriptor{ModelID: "fake", PatchSize: 2, TokenLength: 8,
		AlphabetSize: 256, Channels: 1, ConcurrentSafe: concurrent}}
}

func (c *serialCodec) Describe() backend.Descriptor { return c.desc }

func (c *serialCodec) track() func() {
	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { c.inflight.Add(-1) }
}

func (c *serialCodec) Encode(_ context.Context, patches [][]float32) ([][]backend.Token, error) {
	defer c.track()()
	out := make([][]backend.Token, len(patches))
	for i, p := range patches {
		out[i] = make([]backend.Token, len(p))
		for j, v := range p {
			out[i][j] = backend.Token(v)
		}
	}
	return out, nil
}

func (c *serialCodec) Decode(_ context.Context, tokens [][]backend.Token) ([][]float32, error) {
	defer c.track()()
	out := make([][]float32, len(tokens))
	for i, arr := range tokens {
		out[i] = make([]float32, len(arr))
		for j, t := range arr {
			out[i][j] = float32(t)
		}
	}
	return out, nil
}

func (c *serialCodec) Shutdown() error {
	c.stopped.Store(true)
	return c.stopErr
}

func TestInferenceIsSerializedUnlessConcurrentSafe(t *testing.T) {
	ctx := context.Background()
	g := cube(t, 8, ramp)
	o := New(Config{Workers: 4})

	serial := newSerialCodec(false)
	data, err := o.EncodeWith(ctx, serial, g, 4)
	require.NoError(t, err)
	out, err := o.DecodeWith(ctx, serial, data, 4)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))
	require.Equal(t, int32(1), serial.peak.Load())
	require.False(t, serial.stopped.Load(), "caller-owned codec must not be shut down")

	parallel := newSerialCodec(true)
	_, err = o.EncodeWith(ctx, parallel, g, 1)
	require.NoError(t, err)
	require.LessOrEqual(t, parallel.peak.Load(), int32(4))
}

var errDeviceReset = errors.New("device reset failed")

func init() {
	backend.Register("test-shutdown-fails", func(string, backend.Device, backend.Options) (backend.Codec, error) {
		c := newSerialCodec(false)
		c.stopErr = errDeviceReset
		return c, nil
	})
}

func TestShutdownFailureIsReported(t *testing.T) {
	data, err := Encode(context.Background(), cube(t, 4, ramp), Request{Backend: "test-shutdown-fails"})
	require.Nil(t, data)
	require.True(t, errors.Is(err, errDeviceReset), "got %v", err)
}

func TestProgressAndCancellation(t *testing.T) {
	g := cube(t, 8, ramp)
	var mu sync.Mutex
	var seen []int
	o := New(Config{Workers: 2, Progress: func(op string, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if op == "encode" && total == 64 {
			seen = append(seen, done)
		}
	}})
	_, err := o.EncodeWith(context.Background(), newSerialCodec(false), g, 4)
	require.NoError(t, err)
	require.Len(t, seen, 16)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1])
	}
	require.Equal(t, 64, seen[len(seen)-1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(Config{}).EncodeWith(ctx, newSerialCodec(false), g, 4)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpans(t *testing.T) {
	require.Equal(t, []span{{0, 4}, {4, 8}, {8, 10}}, spans(10, 4))
	require.Equal(t, []span{{0, 3}}, spans(3, 64))
	require.Empty(t, spans(0, 4))
}

func TestEncodeRefusesGridOutsidePatchLattice(t *testing.T) {
	ctx := context.Background()
	req := Request{Backend: "identity", ModelPath: identityModel(t, "id-p3", 3)}
	g := grid.New(1)
	require.NoError(t, g.Set(grid.Coord{X: math.MinInt32}, 1))
	data, err := Encode(ctx, g, req)
	require.True(t, codecerr.IsShapeMismatch(err), "got %v", err)
	require.Nil(t, data)

	// the same corner round trips when the patch size tiles it
	req = Request{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4)}
	data, err = Encode(ctx, g, req)
	require.NoError(t, err)
	out, err := Decode(ctx, data, req)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))
}

func TestDecodeAppliesContainerLimits(t *testing.T) {
	ctx := context.Background()
	req := Request{Backend: "identity", ModelPath: identityModel(t, "id-p4", 4)}
	g := cube(t, 8, ramp)
	data, err := Encode(ctx, g, req)
	require.NoError(t, err)

	_, err = New(Config{Limits: container.Limits{MaxPatches: 7}}).Decode(ctx, data, req)
	require.True(t, codecerr.IsCorruptFile(err), "got %v", err)

	out, err := New(Config{Limits: container.Limits{MaxPatches: 8}}).Decode(ctx, data, req)
	require.NoError(t, err)
	require.True(t, grid.ActiveEqual(g, out, 0))
}
