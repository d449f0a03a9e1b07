package orchestrator

import (
	"context"

	"github.com/rs/zerolog"

	"vqvdb/internal/codecerr"
)

// span is a half-open range of patch ordinals.
type span struct{ lo, hi int }

func spans(total, size int) []span {
	out := make([]span, 0, (total+size-1)/size)
	for lo := 0; lo < total; lo += size {
		out = append(out, span{lo, min(lo+size, total)})
	}
	return out
}

// infer runs fn on items. When the backend reports ResourceExhausted the
// batch is retried once as two halves whose results are concatenated in
// order; a second exhaustion is surfaced.
func infer[In, Out any](ctx context.Context, log zerolog.Logger, op string, items []In,
	fn func(context.Context, []In) ([]Out, error)) (out []Out, retried bool, err error) {
	out, err = fn(ctx, items)
	if err == nil || !codecerr.IsResourceExhausted(err) || len(items) < 2 {
		return out, false, err
	}
	half := (len(items) + 1) / 2
	log.Warn().Str("op", op).Int("batch", len(items)).Int("retry_batch", half).Err(err).Msg("out of memory, retrying with smaller batches")
	oomRetries.WithLabelValues(op).Inc()
	first, err := fn(ctx, items[:half])
	if err != nil {
		return nil, true, retryErr(op, half, err)
	}
	second, err := fn(ctx, items[half:])
	if err != nil {
		return nil, true, retryErr(op, half, err)
	}
	return append(first, second...), true, nil
}

func retryErr(op string, size int, err error) error {
	if codecerr.IsResourceExhausted(err) {
		return codecerr.Wrap(codecerr.ResourceExhausted, op, err, "still exhausted after retry with batch size %d", size)
	}
	return err
}
