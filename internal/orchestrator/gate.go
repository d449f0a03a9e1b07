package orchestrator

import "context"

// gate admits inference calls into one codec handle. Handles that are not
// concurrency-safe get a single slot.
type gate chan struct{}

func newGate(slots int) gate {
	if slots < 1 {
		slots = 1
	}
	return make(gate, slots)
}

func (g gate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g gate) release() { <-g }
