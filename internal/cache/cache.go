// Package cache is a read-through cache keyed by tenant, resource and id, with
// an explicit list of keys each mutation invalidates.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const keyPrefix = "pharmapos"

// Store is the byte-level backend behind Cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key addresses one cached resource. An empty ID names the resource as a
// whole; list queries put their normalized query string in ID.
type Key struct {
	Tenant   string
	Resource string
	ID       string
}

func (k Key) String() string {
	base := keyPrefix + ":" + k.Tenant + ":" + k.Resource
	if k.ID == "" {
		return base
	}
	return base + ":" + k.ID
}

type NoopStore struct{}

func (NoopStore) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopStore) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NoopStore) Delete(_ context.Context, _ ...string) error {
	return nil
}

func (NoopStore) DeletePrefix(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store with per-entry expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Cache serializes values as JSON into a Store. A nil *Cache always loads.
type Cache struct {
	store Store
	ttl   time.Duration
}

func New(store Store, ttl time.Duration) *Cache {
	if store == nil {
		store = NoopStore{}
	}
	return &Cache{store: store, ttl: ttl}
}

// ReadThrough returns the cached value for key, or calls load and caches its
// result. Backend failures degrade to a plain load.
func ReadThrough[T any](ctx context.Context, c *Cache, key Key, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	raw, ok, err := c.store.Get(ctx, key.String())
	if err == nil && ok {
		var cached T
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if payload, err := json.Marshal(value); err == nil {
		_ = c.store.Set(ctx, key.String(), payload, c.ttl)
	}
	return value, nil
}

// Invalidate drops every key mutation touches for tenant.
func (c *Cache) Invalidate(ctx context.Context, tenant string, mutation Mutation, refs Refs) error {
	if c == nil {
		return nil
	}
	for _, key := range Rules[mutation].Keys(tenant, refs) {
		if key.ID != "" {
			if err := c.store.Delete(ctx, key.String()); err != nil {
				return err
			}
			continue
		}
		if err := c.store.Delete(ctx, key.String()); err != nil {
			return err
		}
		if err := c.store.DeletePrefix(ctx, key.String()+":"); err != nil {
			return err
		}
	}
	return nil
}
