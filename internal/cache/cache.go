// Package cache is a time-boxed cache of JSON payloads over a key/value scope.
//
// Each entry is stored as two keys: the payload under key and the fetch time,
// in unix milliseconds, under key + "_time".
package cache

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/emberlight/studiofeed/internal/store"
)

const timeSuffix = "_time"

// Cache maps query signatures to previously fetched payloads. A miss never
// populates the cache; callers fetch and Set.
type Cache struct {
	kv  store.KV
	ttl time.Duration
	now func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over kv whose entries expire after ttl
func New(kv store.KV, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{kv: kv, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the payload for key while now - storedAt < TTL. Expired entries
// are reported absent and left in place.
func (c *Cache) Get(key string) ([]byte, bool) {
	storedAt, ok := c.storedAt(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(storedAt) >= c.ttl {
		return nil, false
	}
	payload, ok := c.kv.Get(key)
	if !ok {
		return nil, false
	}
	return []byte(payload), true
}

// Set stores payload under key stamped with the current time.
func (c *Cache) Set(key string, payload []byte) error {
	if err := c.kv.Set(key, string(payload)); err != nil {
		return err
	}
	return c.kv.Set(key+timeSuffix, strconv.FormatInt(c.now().UnixMilli(), 10))
}

// Invalidate drops key.
func (c *Cache) Invalidate(key string) error {
	if err := c.kv.Remove(key); err != nil {
		return err
	}
	return c.kv.Remove(key + timeSuffix)
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) error {
	keys, err := c.kv.Keys(prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.kv.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// Sweep physically removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() (int, error) {
	keys, err := c.kv.Keys("")
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, k := range keys {
		if !strings.HasSuffix(k, timeSuffix) {
			continue
		}
		key := strings.TrimSuffix(k, timeSuffix)
		storedAt, ok := c.storedAt(key)
		if ok && now.Sub(storedAt) < c.ttl {
			continue
		}
		if err := c.Invalidate(key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Cache) storedAt(key string) (time.Time, bool) {
	raw, ok := c.kv.Get(key + timeSuffix)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// GetJSON decodes the cached payload for key. A malformed payload is a miss.
func GetJSON[T any](c *Cache, key string) (T, bool) {
	var zero T
	payload, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, false
	}
	return v, true
}

// SetJSON encodes v and stores it under key.
func SetJSON[T any](c *Cache, key string, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(key, payload)
}
