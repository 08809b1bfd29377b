// Package cache holds short-lived copies of reference data (plans, credit
// values). The database stays the system of record: entries expire after a
// TTL and writers invalidate keys explicitly.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSize = 512
	DefaultTTL  = 5 * time.Minute
)

type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
}

type Stats struct {
	Hits   int64
	Misses int64
}

// Loader reads through a Cache. Concurrent loads of the same key are
// collapsed into one call of the load function.
type Loader[V any] struct {
	cache  Cache[V]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func NewLoader[V any](c Cache[V]) *Loader[V] {
	return &Loader[V]{cache: c}
}

func (l *Loader[V]) Fetch(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if value, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		l.hits.Inc()
		return value, nil
	}

	l.misses.Inc()

	result, err, _ := l.group.Do(key, func() (interface{}, error) {
		value, err := load(ctx)
		if err != nil {
			return value, err
		}

		// a failed cache write only costs a later reload
		_ = l.cache.Set(ctx, key, value)

		return value, nil
	})
	if err != nil {
		var empty V
		return empty, err
	}

	value, ok := result.(V)
	if !ok {
		var empty V
		return empty, errors.New("unexpected cached value type")
	}

	return value, nil
}

func (l *Loader[V]) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		l.group.Forget(key)
		if err := l.cache.Delete(ctx, key); err != nil {
			return errors.Wrapf(err, "unable to invalidate %q", key)
		}
	}

	return nil
}

func (l *Loader[V]) Stats() Stats {
	return Stats{Hits: l.hits.Load(), Misses: l.misses.Load()}
}
