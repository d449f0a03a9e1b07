package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/internal/tiler"
)

func (o *Orchestrator) slots(d backend.Descriptor) int {
	if d.ConcurrentSafe {
		return o.cfg.Workers
	}
	return 1
}

func (o *Orchestrator) encode(ctx context.Context, c backend.Codec, g *grid.Grid, batchSize int, start time.Time, load time.Duration) ([]byte, error) {
	const op = "orchestrator.encode"
	d := c.Describe()
	if g.Channels() != d.Channels {
		return nil, codecerr.New(codecerr.ShapeMismatch, op,
			"grid has %d channels, model %q expects %d", g.Channels(), d.ModelID, d.Channels)
	}
	o.log.Info().Str("op", "encode").Str("model", d.ModelID).Int("active_voxels", g.ActiveCount()).
		Int("batch_size", batchSize).Msg("encode started")

	tileStart := time.Now()
	tl, err := tiler.Tile(g, d.PatchSize)
	if err != nil {
		return nil, err
	}
	stats := Stats{
		Op:           "encode",
		ModelID:      d.ModelID,
		Patches:      tl.Len(),
		ActiveVoxels: tl.Region.ActiveVoxels(),
		Load:         load,
		Tile:         time.Since(tileStart),
	}

	n := tl.Len()
	tokens := make([][]backend.Token, n)
	tr := &tracker{op: "encode", total: n, progress: o.cfg.Progress}
	gt := newGate(o.slots(d))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Workers)
	for _, sp := range spans(n, batchSize) {
		// in-flight batches finish; nothing new starts after cancellation
		if ectx.Err() != nil {
			break
		}
		eg.Go(func() error {
			patches := tl.ExtractRange(g, sp.lo, sp.hi)
			if err := gt.acquire(ectx); err != nil {
				return err
			}
			began := time.Now()
			out, retried, err := infer(ectx, o.log, op, patches, c.Encode)
			gt.release()
			if err != nil {
				return err
			}
			if len(out) != len(patches) {
				return codecerr.New(codecerr.ShapeMismatch, op, "backend returned %d token arrays for %d patches", len(out), len(patches))
			}
			if err := backend.ValidateTokens(op, d, out); err != nil {
				return err
			}
			copy(tokens[sp.lo:sp.hi], out)
			took := time.Since(began)
			tr.batchDone(len(patches), took, retried)
			o.log.Debug().Str("op", "encode").Int("lo", sp.lo).Int("hi", sp.hi).Dur("took", took).Msg("batch done")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr.fill(&stats)

	packStart := time.Now()
	data, _, err := container.Marshal(container.Header{
		ModelID:      d.ModelID,
		PatchSize:    d.PatchSize,
		TokenLength:  d.TokenLength,
		AlphabetSize: d.AlphabetSize,
		Channels:     d.Channels,
		Meta:         g.Meta(),
		Region:       tl.Region,
		Compression:  o.cfg.Compression,
	}, tokens)
	if err != nil {
		return nil, err
	}
	stats.Pack = time.Since(packStart)
	stats.ContainerBytes = len(data)
	stats.Total = time.Since(start)
	o.finish(stats)
	return data, nil
}

func (o *Orchestrator) finish(s Stats) {
	observe(s)
	o.log.Info().Str("op", s.Op).Object("stats", s).Msg(s.Op + " finished")
	if o.cfg.OnStats != nil {
		o.cfg.OnStats(s)
	}
}
