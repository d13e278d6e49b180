// Package idempotency remembers which broker messages a consumer already
// handled, so redeliveries are acknowledged without being applied twice.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/taphoa39/taphoa-backend/pkg/redis"
)

// DefaultTTL covers the broker's maximum redelivery window.
const DefaultTTL = 7 * 24 * time.Hour

// Manager claims message ids per consumer with SETNX. Keys look like
// tp:idempotency:msg:<consumer>:<message_id>.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// Claim reports whether the message was already claimed and otherwise
// claims it for the configured TTL.
func (m *Manager) Claim(ctx context.Context, consumer, messageID string) (already bool, err error) {
	key, err := m.key(consumer, messageID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Release drops a claim so a failed message can be processed on redelivery.
func (m *Manager) Release(ctx context.Context, consumer, messageID string) error {
	key, err := m.key(consumer, messageID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer, messageID string) (string, error) {
	if strings.TrimSpace(consumer) == "" {
		return "", errors.New("consumer name is required")
	}
	if strings.TrimSpace(messageID) == "" {
		return "", errors.New("message id is required")
	}
	return m.store.IdempotencyKey("msg:"+consumer, messageID), nil
}
