package manager

import (
	"context"
	"time"
)

// beginWork reserves a queue slot and then an in-flight slot of inst.
// Returns a release func to be deferred.
func (m *Manager) beginWork(ctx context.Context, inst *Instance) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	busy := tooBusyError{key: inst.Key.String()}

	// The queue slot is taken under the lock so eviction, which only picks
	// instances with an empty queue, cannot race with it.
	m.mu.Lock()
	if inst.State == StateDraining {
		m.mu.Unlock()
		return nil, busy
	}
	reserved := false
	select {
	case inst.queueCh <- struct{}{}:
		reserved = true
	default:
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.MaxWait)
	defer timer.Stop()
	if !reserved {
		select {
		case inst.queueCh <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, busy
		}
		m.mu.Lock()
		draining := inst.State == StateDraining
		m.mu.Unlock()
		if draining {
			<-inst.queueCh
			return nil, busy
		}
	}

	// Wait to acquire an in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-inst.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case inst.genCh <- struct{}{}:
		acquired = true
		m.mu.Lock()
		inst.LastUsed = time.Now()
		m.mu.Unlock()
		return func() { <-inst.genCh; <-inst.queueCh }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, busy
	}
}
