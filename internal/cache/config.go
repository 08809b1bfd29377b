package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend       string        `yaml:"backend" env:"CACHE_BACKEND" env-default:"memory"`
	Size          int           `yaml:"size" env:"CACHE_SIZE" env-default:"512"`
	TTL           time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"5m"`
	RedisAddr     string        `yaml:"redis_addr" env:"CACHE_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"CACHE_REDIS_DB" env-default:"0"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"CACHE_REDIS_PREFIX" env-default:"billing:"`
}

// Connect returns a redis client for the redis backend and nil otherwise.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return nil, nil
	case BackendRedis:
	default:
		return nil, errors.Errorf("unknown cache backend %q", cfg.Backend)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "unable to ping redis")
	}

	return client, nil
}

// New builds the configured backend for one kind of value. A nil client
// selects the in-process cache.
func New[V any](cfg Config, client *redis.Client, namespace string) Cache[V] {
	if client == nil {
		return NewMemory[V](cfg.Size, cfg.TTL)
	}

	return NewRedis[V](client, cfg.RedisPrefix+namespace+":", cfg.TTL)
}
