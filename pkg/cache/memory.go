package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemorySize = 4096

// Memory is a process-local cache. The expirable LRU carries one TTL per
// instance, so one LRU is kept per distinct TTL.
type Memory struct {
	mu         sync.Mutex
	size       int
	defaultTTL time.Duration
	lrus       map[time.Duration]*expirable.LRU[string, []byte]
}

func NewMemory(size int, defaultTTL time.Duration) *Memory {
	if size <= 0 {
		size = defaultMemorySize
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Memory{
		size:       size,
		defaultTTL: defaultTTL,
		lrus:       map[time.Duration]*expirable.LRU[string, []byte]{},
	}
}

func (m *Memory) Get(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	var (
		raw   []byte
		found bool
	)
	for _, lru := range m.lrus {
		if raw, found = lru.Get(key); found {
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for other, lru := range m.lrus {
		if other != ttl {
			lru.Remove(key)
		}
	}
	lru, ok := m.lrus[ttl]
	if !ok {
		lru = expirable.NewLRU[string, []byte](m.size, nil, ttl)
		m.lrus[ttl] = lru
	}
	lru.Add(key, raw)
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lru := range m.lrus {
		for _, key := range keys {
			lru.Remove(key)
		}
	}
	return nil
}

// Len counts live entries across all TTL classes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, lru := range m.lrus {
		n += lru.Len()
	}
	return n
}
