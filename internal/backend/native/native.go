// Package native is a pure Go VQ-VAE backend. It runs a linear encoder over
// every stride^3 latent block of a patch, snaps the latent to its nearest
// codebook entry and decodes tokens through a precomputed lookup table.
//
// Each patch is computed on its own, so tokens do not depend on how patches
// are grouped into batches.
package native

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/model"
)

// ID is the registry identifier.
const ID = "native"

func init() { backend.Register(ID, New) }

type codec struct {
	desc    backend.Descriptor
	stride  int
	grid    int // latent blocks per axis
	in      int
	dim     int
	encW    *mat.Dense // In x Dim
	encB    []float64
	bookT   *mat.Dense // Dim x K
	bookSq  []float64  // |e_k|^2
	table   []float32  // K x In decoded blocks
	limit   int64
	threads int
	closed  atomic.Bool
}

// New opens a native manifest and its weights. Only cpu is supported.
func New(modelPath string, dev backend.Device, opts backend.Options) (backend.Codec, error) {
	const op = "native.open"
	if dev.Kind != backend.CPU {
		return nil, codecerr.New(codecerr.ModelLoad, op, "device %s not supported, native runs on cpu only", dev)
	}
	m, err := model.Load(modelPath, ID)
	if err != nil {
		return nil, err
	}
	if m.Weights == "" {
		return nil, codecerr.New(codecerr.ModelLoad, op, "manifest %q has no weights", modelPath)
	}
	w, err := LoadWeights(m.Resolve(m.Weights))
	if err != nil {
		return nil, codecerr.Wrap(codecerr.ModelLoad, op, err, "weights for %q", m.ID)
	}
	return fromWeights(m, w, dev, opts)
}

func fromWeights(m *model.Manifest, w *Weights, dev backend.Device, opts backend.Options) (*codec, error) {
	const op = "native.open"
	s := m.LatentStride
	in := s * s * s * m.Channels
	if w.In != in {
		return nil, codecerr.New(codecerr.ModelLoad, op, "weights expect %d inputs per block, manifest implies %d", w.In, in)
	}
	if w.K != m.AlphabetSize {
		return nil, codecerr.New(codecerr.ModelLoad, op, "codebook has %d entries, manifest alphabet is %d", w.K, m.AlphabetSize)
	}
	c := &codec{
		desc: backend.Descriptor{
			ModelID:        m.ID,
			PatchSize:      m.PatchSize,
			TokenLength:    m.TokenLength(),
			AlphabetSize:   m.AlphabetSize,
			Channels:       m.Channels,
			Device:         dev,
			ConcurrentSafe: true,
		},
		stride:  s,
		grid:    m.PatchSize / s,
		in:      in,
		dim:     w.Dim,
		encW:    mat.NewDense(w.In, w.Dim, append([]float64(nil), w.EncoderW...)),
		encB:    append([]float64(nil), w.EncoderB...),
		limit:   opts.MemoryLimit,
		threads: opts.Threads,
	}
	book := mat.NewDense(w.K, w.Dim, append([]float64(nil), w.Codebook...))
	c.bookT = mat.DenseCopyOf(book.T())
	c.bookSq = make([]float64, w.K)
	for k := 0; k < w.K; k++ {
		r := book.RawRowView(k)
		c.bookSq[k] = floatsDot(r, r)
	}
	var dec mat.Dense
	dec.Mul(book, mat.NewDense(w.Dim, w.In, append([]float64(nil), w.DecoderW...)))
	c.table = make([]float32, w.K*w.In)
	for k := 0; k < w.K; k++ {
		row := dec.RawRowView(k)
		for j, v := range row {
			c.table[k*w.In+j] = float32(v + w.DecoderB[j])
		}
	}
	return c, nil
}

func floatsDot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func (c *codec) Describe() backend.Descriptor { return c.desc }

// need estimates the working set of a batch in bytes.
func (c *codec) need(n int) int64 {
	l := int64(c.desc.TokenLength)
	perPatch := int64(c.desc.PatchValues())*4 + l*int64(c.in+c.dim+c.desc.AlphabetSize)*8 + l*4
	return int64(n) * perPatch
}

func (c *codec) parallel(ctx context.Context, n int, fn func(i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.threads > 0 {
		g.SetLimit(c.threads)
	} else {
		g.SetLimit(4)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	return g.Wait()
}

func (c *codec) Encode(ctx context.Context, patches [][]float32) ([][]backend.Token, error) {
	const op = "native.encode"
	if c.closed.Load() {
		return nil, backend.ErrShutdown(op)
	}
	if err := backend.ValidatePatches(op, c.desc, patches); err != nil {
		return nil, err
	}
	if err := backend.CheckMemory(op, c.limit, c.need(len(patches))); err != nil {
		return nil, err
	}
	out := make([][]backend.Token, len(patches))
	err := c.parallel(ctx, len(patches), func(i int) error {
		out[i] = c.encodePatch(patches[i])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *codec) encodePatch(p []float32) []backend.Token {
	l := c.desc.TokenLength
	x := mat.NewDense(l, c.in, nil)
	for b := 0; b < l; b++ {
		c.gather(p, b, x.RawRowView(b))
	}
	var z mat.Dense
	z.Mul(x, c.encW)
	for b := 0; b < l; b++ {
		row := z.RawRowView(b)
		for j := range row {
			row[j] += c.encB[j]
		}
	}
	var scores mat.Dense
	scores.Mul(&z, c.bookT)
	toks := make([]backend.Token, l)
	for b := 0; b < l; b++ {
		row := scores.RawRowView(b)
		best, bestD := 0, math.Inf(1)
		for k, s := range row {
			// |z|^2 is constant per block
			if d := c.bookSq[k] - 2*s; d < bestD {
				best, bestD = k, d
			}
		}
		toks[b] = backend.Token(best)
	}
	return toks
}

func (c *codec) Decode(ctx context.Context, tokens [][]backend.Token) ([][]float32, error) {
	const op = "native.decode"
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
	err := c.parallel(ctx, len(tokens), func(i int) error {
		p := make([]float32, c.desc.PatchValues())
		for b, t := range tokens[i] {
			c.scatter(p, b, c.table[int(t)*c.in:(int(t)+1)*c.in])
		}
		out[i] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// gather copies latent block b of patch p into dst as float64, in
// ((lz*s+ly)*s+lx)*C+c order.
func (c *codec) gather(p []float32, b int, dst []float64) {
	c.walk(b, func(j, off int) {
		for ch := 0; ch < c.desc.Channels; ch++ {
			dst[j+ch] = float64(p[off+ch])
		}
	})
}

func (c *codec) scatter(p []float32, b int, src []float32) {
	c.walk(b, func(j, off int) {
		copy(p[off:off+c.desc.Channels], src[j:j+c.desc.Channels])
	})
}

// walk visits the voxels of latent block b, passing the offset in the block
// vector and the offset in the patch.
func (c *codec) walk(b int, fn func(j, off int)) {
	s, g, n, ch := c.stride, c.grid, c.desc.PatchSize, c.desc.Channels
	bx, by, bz := b%g, (b/g)%g, b/(g*g)
	j := 0
	for lz := 0; lz < s; lz++ {
		for ly := 0; ly < s; ly++ {
			for lx := 0; lx < s; lx++ {
				x, y, z := bx*s+lx, by*s+ly, bz*s+lz
				fn(j, ((z*n+y)*n+x)*ch)
				j += ch
			}
		}
	}
}

func (c *codec) Shutdown() error {
	c.closed.Store(true)
	return nil
}
