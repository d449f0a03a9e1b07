package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vqvdb/internal/backend"
	"vqvdb/internal/codecerr"
	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/internal/tiler"
)

func (o *Orchestrator) decode(ctx context.Context, c backend.Codec, data []byte, batchSize int, start time.Time, load time.Duration) (*grid.Grid, error) {
	const op = "orchestrator.decode"
	readStart := time.Now()
	f, err := container.ReadLimited(data, o.cfg.Limits)
	if err != nil {
		return nil, err
	}
	d := c.Describe()
	if err := container.CheckCompatible(&f.Header, d); err != nil {
		return nil, err
	}
	merger, err := tiler.NewMerger(f.Region, f.Channels, f.Meta)
	if err != nil {
		return nil, err
	}
	stats := Stats{
		Op:             "decode",
		ModelID:        d.ModelID,
		Patches:        f.PatchCount,
		ActiveVoxels:   f.Region.ActiveVoxels(),
		ContainerBytes: len(data),
		Load:           load,
		Pack:           time.Since(readStart),
	}
	o.log.Info().Str("op", "decode").Str("model", d.ModelID).Int("patches", f.PatchCount).
		Int("batch_size", batchSize).Msg("decode started")

	var mergeMu sync.Mutex
	var mergeTook time.Duration
	tr := &tracker{op: "decode", total: f.PatchCount, progress: o.cfg.Progress}
	gt := newGate(o.slots(d))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(o.cfg.Workers)
	for _, sp := range spans(f.PatchCount, batchSize) {
		if ectx.Err() != nil {
			break
		}
		eg.Go(func() error {
			batch := f.Tokens[sp.lo:sp.hi]
			if err := gt.acquire(ectx); err != nil {
				return err
			}
			began := time.Now()
			out, retried, err := infer(ectx, o.log, op, batch, c.Decode)
			gt.release()
			if err != nil {
				return err
			}
			took := time.Since(began)
			if len(out) != len(batch) {
				return codecerr.New(codecerr.ShapeMismatch, op, "backend returned %d patches for %d token arrays", len(out), len(batch))
			}
			mergeMu.Lock()
			defer mergeMu.Unlock()
			ms := time.Now()
			for i, p := range out {
				if err := merger.Add(sp.lo+i, p); err != nil {
					return err
				}
			}
			mergeTook += time.Since(ms)
			tr.batchDone(len(batch), took, retried)
			o.log.Debug().Str("op", "decode").Int("lo", sp.lo).Int("hi", sp.hi).Dur("took", took).Msg("batch done")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := merger.Grid()
	if err != nil {
		return nil, err
	}
	tr.fill(&stats)
	stats.Tile = mergeTook
	stats.Total = time.Since(start)
	o.finish(stats)
	return g, nil
}
