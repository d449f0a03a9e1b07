package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vqvdb/internal/codecerr"
)

type fakeCodec struct{ d Descriptor }

func (f *fakeCodec) Describe() Descriptor { return f.d }
func (f *fakeCodec) Encode(context.Context, [][]float32) ([][]Token, error) {
	return nil, nil
}
func (f *fakeCodec) Decode(context.Context, [][]Token) ([][]float32, error) {
	return nil, nil
}
func (f *fakeCodec) Shutdown() error { return nil }

func TestRegistryCreate(t *testing.T) {
	var got Options
	Register("registry-test", func(path string, dev Device, o Options) (Codec, error) {
		got = o
		return &fakeCodec{d: Descriptor{ModelID: path, Device: dev}}, nil
	})
	require.Contains(t, Available(), "registry-test")
	require.NoError(t, Lookup("registry-test"))

	c, err := Create("registry-test", "m1", Device{Kind: CUDA, Index: 2}, WithMemoryLimit(1<<20), WithThreads(3))
	require.NoError(t, err)
	require.Equal(t, "m1", c.Describe().ModelID)
	require.Equal(t, "cuda:2", c.Describe().Device.String())
	require.Equal(t, Options{MemoryLimit: 1 << 20, Threads: 3}, got)

	require.Panics(t, func() {
		Register("registry-test", func(string, Device, Options) (Codec, error) { return nil, nil })
	})
}

func TestCreateUnknownBackend(t *testing.T) {
	_, err := Create("no-such-backend", "/does/not/exist", Device{})
	require.True(t, codecerr.IsUnknownBackend(err), "got %v", err)
	require.True(t, codecerr.IsUnknownBackend(Lookup("no-such-backend")))
}

func TestParseDevice(t *testing.T) {
	cases := []struct {
		in   string
		want Device
		ok   bool
	}{
		{"", Device{Kind: CPU}, true},
		{"CPU", Device{Kind: CPU}, true},
		{"cuda", Device{Kind: CUDA}, true},
		{"cuda:3", Device{Kind: CUDA, Index: 3}, true},
		{"cuda:-1", Device{}, false},
		{"tpu", Device{}, false},
	}
	for _, c := range cases {
		d, err := ParseDevice(c.in)
		if !c.ok {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, d, c.in)
	}
}

func TestValidatePatchesAndTokens(t *testing.T) {
	d := Descriptor{ModelID: "m", PatchSize: 2, Channels: 1, TokenLength: 2, AlphabetSize: 4}
	require.NoError(t, ValidatePatches("op", d, [][]float32{make([]float32, 8)}))
	require.True(t, codecerr.IsShapeMismatch(ValidatePatches("op", d, [][]float32{make([]float32, 7)})))

	require.NoError(t, ValidateTokens("op", d, [][]Token{{0, 3}}))
	require.True(t, codecerr.IsShapeMismatch(ValidateTokens("op", d, [][]Token{{0}})))
	require.True(t, codecerr.IsInvalidToken(ValidateTokens("op", d, [][]Token{{0, 4}})))
}

func TestCheckMemory(t *testing.T) {
	require.NoError(t, CheckMemory("op", 0, 1<<40))
	require.NoError(t, CheckMemory("op", 100, 100))
	require.True(t, codecerr.IsResourceExhausted(CheckMemory("op", 100, 101)))
}
