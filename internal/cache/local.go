package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type localEntry struct {
	data    []byte
	expires time.Time
}

// Local is a process-local TTL cache. It is not invalidated across instances.
type Local struct {
	mu         sync.Mutex
	items      map[string]localEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewLocal returns a Local cache. ttl <= 0 disables expiry and maxEntries <= 0 disables the bound.
func NewLocal(ttl time.Duration, maxEntries int) *Local {
	return &Local{
		items:      make(map[string]localEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *Local) Get(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && c.expired(e) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	return true, nil
}

func (c *Local) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	e := localEntry{data: data}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = e
	return nil
}

func (c *Local) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.items, k)
	}
	c.mu.Unlock()
	return nil
}

func (c *Local) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Local) Close() error {
	c.mu.Lock()
	c.items = make(map[string]localEntry)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Local) expired(e localEntry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

// evictLocked drops expired entries, or the entry closest to expiry when none are.
func (c *Local) evictLocked() {
	var victim string
	var soonest time.Time
	removed := false
	for k, e := range c.items {
		if c.expired(e) {
			delete(c.items, k)
			removed = true
			continue
		}
		if victim == "" || e.expires.Before(soonest) {
			victim, soonest = k, e.expires
		}
	}
	if !removed && victim != "" {
		delete(c.items, victim)
	}
}
