package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis stores JSON-encoded values under prefix+key so several instances
// share one view of reference data.
type Redis[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis[V any](client *redis.Client, prefix string, ttl time.Duration) *Redis[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Redis[V]{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var value V

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return value, false, nil
	case err != nil:
		return value, false, errors.Wrap(err, "unable to read cache entry")
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, errors.Wrap(err, "unable to decode cache entry")
	}

	return value, true, nil
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "unable to encode cache entry")
	}

	return errors.Wrap(r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(), "unable to write cache entry")
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	return errors.Wrap(r.client.Del(ctx, r.prefix+key).Err(), "unable to delete cache entry")
}
