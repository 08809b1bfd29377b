package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process LRU whose entries expire after ttl.
type Memory[V any] struct {
	lru *expirable.LRU[string, V]
}

func NewMemory[V any](size int, ttl time.Duration) *Memory[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Memory[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	value, ok := m.lru.Get(key)
	return value, ok, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) error {
	m.lru.Add(key, value)
	return nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory[V]) Len() int {
	return m.lru.Len()
}
