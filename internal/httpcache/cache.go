// Package httpcache holds remote responses for a bounded time so repeated
// fetches of the same page do not hit the rate-limited feed API.
package httpcache

import (
	"sync"
	"time"
)

// Cache stores response bodies by request key.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, body []byte)
}

type entry struct {
	body      []byte
	expiresAt time.Time
}

// Memory is a thread-safe in-memory Cache with a fixed TTL.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a Memory cache. Expired entries are swept every cleanup
// interval until Close is called; a non-positive interval disables the sweep.
func NewMemory(ttl, cleanup time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanup > 0 {
		go m.cleanupLoop(cleanup)
	}
	return m
}

// Get returns the body for key if present and not expired.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.body, true
}

// Set stores body under key for the cache TTL.
func (m *Memory) Set(key string, body []byte) {
	buf := make([]byte, len(body))
	copy(buf, body)

	m.mu.Lock()
	m.entries[key] = entry{body: buf, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Memory) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
