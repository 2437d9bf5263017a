package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 10000

// MemoryBackend is an in-process Backend bounded to maxSize entries; the
// least recently used entry is evicted first. Expired entries are dropped
// on read and by a periodic sweep.
type MemoryBackend struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend starts a backend sweeping every cleanupInterval. A
// non-positive interval disables the sweep; a non-positive maxSize uses
// the default bound.
func NewMemoryBackend(maxSize int, cleanupInterval time.Duration) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = defaultMemoryEntries
	}
	entries, _ := lru.New[string, memoryEntry](maxSize) // fails only for size <= 0
	m := &MemoryBackend{
		entries: entries,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Add(key, memoryEntry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// Len counts stored entries, expired ones included until swept.
func (m *MemoryBackend) Len() int {
	return m.entries.Len()
}

func (m *MemoryBackend) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryBackend) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes expired entries without touching recency.
func (m *MemoryBackend) cleanup() {
	now := m.now()
	for _, k := range m.entries.Keys() {
		if e, ok := m.entries.Peek(k); ok && now.After(e.expiresAt) {
			m.entries.Remove(k)
		}
	}
}
