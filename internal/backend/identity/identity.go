// Package identity implements a reference backend that quantizes every voxel
// value independently onto a uniform alphabet. It has no learned weights and
// exists to exercise the pipeline end to end with exactly predictable tokens.
package identity

import (
	"context"
	"math"
	"sync/atomic"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/model"
)

// ID is the registry identifier.
const ID = "identity"

func init() { backend.Register(ID, New) }

type codec struct {
	desc   backend.Descriptor
	scale  float64
	offset float64
	limit  int64
	closed atomic.Bool
}

// New opens an identity manifest. Only the cpu device is supported.
func New(modelPath string, dev backend.Device, opts backend.Options) (backend.Codec, error) {
	const op = "identity.open"
	if dev.Kind != backend.CPU {
		return nil, codecerr.New(codecerr.ModelLoad, op, "device %s not supported, identity runs on cpu only", dev)
	}
	m, err := model.Load(modelPath, ID)
	if err != nil {
		return nil, err
	}
	if m.LatentStride != 1 {
		return nil, codecerr.New(codecerr.ModelLoad, op, "latent_stride must be 1, got %d", m.LatentStride)
	}
	if m.Scale <= 0 {
		return nil, codecerr.New(codecerr.ModelLoad, op, "scale must be positive, got %g", m.Scale)
	}
	n := m.PatchSize
	return &codec{
		desc: backend.Descriptor{
			ModelID:        m.ID,
			PatchSize:      n,
			TokenLength:    n * n * n * m.Channels,
			AlphabetSize:   m.AlphabetSize,
			Channels:       m.Channels,
			Device:         dev,
			ConcurrentSafe: true,
		},
		scale:  m.Scale,
		offset: m.Offset,
		limit:  opts.MemoryLimit,
	}, nil
}

func (c *codec) Describe() backend.Descriptor { return c.desc }

func (c *codec) need(n int) int64 {
	return int64(n) * int64(c.desc.PatchValues()+c.desc.TokenLength) * 4
}

func (c *codec) Encode(ctx context.Context, patches [][]float32) ([][]backend.Token, error) {
	const op = "identity.encode"
	if c.closed.Load() {
		return nil, backend.ErrShutdown(op)
	}
	if err := backend.ValidatePatches(op, c.desc, patches); err != nil {
		return nil, err
	}
	if err := backend.CheckMemory(op, c.limit, c.need(len(patches))); err != nil {
		return nil, err
	}
	top := float64(c.desc.AlphabetSize - 1)
	out := make([][]backend.Token, len(patches))
	for i, p := range patches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		toks := make([]backend.Token, len(p))
		for j, v := range p {
			q := math.Round((float64(v) - c.offset) / c.scale)
			switch {
			case math.IsNaN(q) || q < 0:
				q = 0
			case q > top:
				q = top
			}
			toks[j] = backend.Token(q)
		}
		out[i] = toks
	}
	return out, nil
}

func (c *codec) Decode(ctx context.Context, tokens [][]backend.Token) ([][]float32, error) {
	const op = "identity.decode"
	if c.closed.Load() {
		return nil, backend.ErrShutdown(op)
	}
	if err := backend.ValidateTokens(op, c.desc, tokens); err != nil {
		return nil, err
	}
	if err := backend.CheckMemory(op, c.limit, c.need(len(tokens))); err != nil {
		return nil, err
	}
	out := make([][]float32, len(tokens))
	for i, arr := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals := make([]float32, len(arr))
		for j, t := range arr {
			vals[j] = float32(c.offset + float64(t)*c.scale)
		}
		out[i] = vals
	}
	return out, nil
}

func (c *codec) Shutdown() error {
	c.closed.Store(true)
	return nil
}
