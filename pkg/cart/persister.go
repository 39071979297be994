package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const persistTimeout = 500 * time.Millisecond

// RedisPersister keeps one JSON snapshot per session under cart:<session>.
type RedisPersister struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPersister(rdb *redis.Client, ttl time.Duration) *RedisPersister {
	return &RedisPersister{rdb: rdb, ttl: ttl}
}

func cartKey(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}

func (r *RedisPersister) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	data, err := r.rdb.Get(ctx, cartKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return &snap, nil
}

func (r *RedisPersister) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	return r.rdb.Set(ctx, cartKey(sessionID), data, r.ttl).Err()
}

// MemoryPersister is used when no redis is configured.
type MemoryPersister struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{snaps: make(map[string]Snapshot)}
}

func (m *MemoryPersister) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[sessionID]
	if !ok {
		return nil, nil
	}
	items := make([]Item, len(snap.Items))
	copy(items, snap.Items)
	return &Snapshot{Items: items, Total: snap.Total}, nil
}

func (m *MemoryPersister) Save(_ context.Context, sessionID string, snap Snapshot) error {
	items := make([]Item, len(snap.Items))
	copy(items, snap.Items)
	m.mu.Lock()
	m.snaps[sessionID] = Snapshot{Items: items, Total: snap.Total}
	m.mu.Unlock()
	return nil
}
