package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Retrying retries transient failures of a remote store with exponential
// backoff. ErrNotFound and invalid keys are returned immediately.
type Retrying struct {
	Store
	MaxElapsed time.Duration
}

// WithRetry wraps s. A zero maxElapsed uses 30 seconds.
func WithRetry(s Store, maxElapsed time.Duration) *Retrying {
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &Retrying{Store: s, MaxElapsed: maxElapsed}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = r.MaxElapsed
	return backoff.WithContext(b, ctx)
}

func (r *Retrying) do(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx))
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	if _, err := cleanKey(key); err != nil {
		return err
	}
	return r.do(ctx, func() error { return r.Store.Put(ctx, key, data) })
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	if _, err := cleanKey(key); err != nil {
		return nil, err
	}
	var out []byte
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Store.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	if _, err := cleanKey(key); err != nil {
		return err
	}
	return r.do(ctx, func() error { return r.Store.Delete(ctx, key) })
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Store.List(ctx, prefix)
		return err
	})
	return out, err
}
