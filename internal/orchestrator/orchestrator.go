package orchestrator

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/internal/store"
)

// Orchestrator runs encode and decode calls with a shared Config. It holds no
// per-call state and is safe for concurrent use.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg.withDefaults(), log: zerolog.Nop()}
	if cfg.Logger != nil {
		o.log = *cfg.Logger
	}
	return o
}

// Default backs the package-level Encode and Decode.
var Default = New(Config{Compression: container.CompressionZSTD})

// Encode compresses g with the default orchestrator.
func Encode(ctx context.Context, g *grid.Grid, req Request) ([]byte, error) {
	return Default.Encode(ctx, g, req)
}

// Decode restores a grid with the default orchestrator.
func Decode(ctx context.Context, data []byte, req Request) (*grid.Grid, error) {
	return Default.Decode(ctx, data, req)
}

// open resolves and constructs the codec for req. Backend resolution happens
// first and performs no I/O.
func (o *Orchestrator) open(op string, req Request) (backend.Codec, time.Duration, error) {
	if err := backend.Lookup(req.Backend); err != nil {
		return nil, 0, err
	}
	dev, err := backend.ParseDevice(req.Device)
	if err != nil {
		return nil, 0, codecerr.Wrap(codecerr.ModelLoad, op, err, "device")
	}
	start := time.Now()
	c, err := backend.Create(req.Backend, req.ModelPath, dev, req.Options...)
	if err != nil {
		return nil, 0, err
	}
	took := time.Since(start)
	d := c.Describe()
	o.log.Debug().Str("op", op).Str("backend", req.Backend).Str("model", d.ModelID).
		Str("device", d.Device.String()).Dur("took", took).Msg("codec loaded")
	return c, took, nil
}

// shutdown releases c and merges a release failure into err.
func shutdown(c backend.Codec, err error) error {
	if serr := c.Shutdown(); serr != nil {
		return multierror.Append(err, serr).ErrorOrNil()
	}
	return err
}

// Encode tiles g, runs every patch through the backend named by req and
// returns the container bytes.
func (o *Orchestrator) Encode(ctx context.Context, g *grid.Grid, req Request) (data []byte, err error) {
	const op = "orchestrator.encode"
	start := time.Now()
	defer func() { callsTotal.WithLabelValues("encode", req.Backend, outcome(err)).Inc() }()
	if g == nil || g.Empty() {
		return nil, codecerr.New(codecerr.EmptyGrid, op, "grid has no active voxels")
	}
	c, load, err := o.open(op, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err = shutdown(c, err); err != nil {
			data = nil
		}
	}()
	return o.encode(ctx, c, g, req.batchSize(), start, load)
}

// EncodeWith encodes with a caller-owned codec. The codec is not shut down.
func (o *Orchestrator) EncodeWith(ctx context.Context, c backend.Codec, g *grid.Grid, batchSize int) ([]byte, error) {
	if g == nil || g.Empty() {
		return nil, codecerr.New(codecerr.EmptyGrid, "orchestrator.encode", "grid has no active voxels")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return o.encode(ctx, c, g, batchSize, time.Now(), 0)
}

// EncodeTo encodes g and stores the container under key.
func (o *Orchestrator) EncodeTo(ctx context.Context, st store.Store, key string, g *grid.Grid, req Request) error {
	data, err := o.Encode(ctx, g, req)
	if err != nil {
		return err
	}
	return st.Put(ctx, key, data)
}

// Decode validates data against the backend named by req and restores the
// grid it was encoded from.
func (o *Orchestrator) Decode(ctx context.Context, data []byte, req Request) (g *grid.Grid, err error) {
	const op = "orchestrator.decode"
	start := time.Now()
	defer func() { callsTotal.WithLabelValues("decode", req.Backend, outcome(err)).Inc() }()
	c, load, err := o.open(op, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err = shutdown(c, err); err != nil {
			g = nil
		}
	}()
	return o.decode(ctx, c, data, req.batchSize(), start, load)
}

// DecodeWith decodes with a caller-owned codec. The codec is not shut down.
func (o *Orchestrator) DecodeWith(ctx context.Context, c backend.Codec, data []byte, batchSize int) (*grid.Grid, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return o.decode(ctx, c, data, batchSize, time.Now(), 0)
}

// DecodeFrom loads the container stored under key and decodes it. The backend
// is resolved before the store is read.
func (o *Orchestrator) DecodeFrom(ctx context.Context, st store.Store, key string, req Request) (*grid.Grid, error) {
	if err := backend.Lookup(req.Backend); err != nil {
		return nil, err
	}
	data, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return o.Decode(ctx, data, req)
}
