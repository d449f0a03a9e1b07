package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"vqvdb/internal/orchestrator"
)

// progress renders orchestrator progress as one bar per operation.
type progress struct {
	w   io.Writer
	op  string
	bar *progressbar.ProgressBar
}

func newProgress(w io.Writer) *progress { return &progress{w: w} }

// Func returns the callback handed to the orchestrator. Calls for one
// operation arrive serialized.
func (p *progress) Func() orchestrator.ProgressFunc {
	return func(op string, done, total int) {
		if p.bar == nil || p.op != op {
			p.Finish()
			p.op = op
			p.bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(p.w),
				progressbar.OptionSetDescription(op),
				progressbar.OptionSetItsString("patches"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = p.bar.Set(done)
	}
}

// Finish clears the current bar, if any.
func (p *progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

// summary formats the one-line report printed after encode and decode.
func summary(s orchestrator.Stats) string {
	return fmt.Sprintf("%s: %s voxels, %s patches in %d batches, container %s, %s (load %s, infer %s)",
		s.Op,
		humanize.Comma(int64(s.ActiveVoxels)),
		humanize.Comma(int64(s.Patches)),
		s.Batches,
		humanize.IBytes(uint64(s.ContainerBytes)),
		s.Total.Round(time.Millisecond),
		s.Load.Round(time.Millisecond),
		s.Infer.Round(time.Millisecond),
	)
}
