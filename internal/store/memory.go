package store

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/carreport/dealer-impact/internal/api"
)

// DefaultMemorySize bounds the in-memory store when no size is configured.
const DefaultMemorySize = 10000

// MemoryStore is a size-bounded in-process store. Entries expire after their
// TTL and the least recently used entry is evicted when full.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	now   func() time.Time

	hits    uint64
	misses  uint64
	evicted uint64
}

type entry struct {
	result    *api.Result
	expiresAt time.Time
}

// Stats returns store statistics for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// NewMemoryStore creates an in-memory store holding at most size results.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache, now: time.Now}, nil
}

func (m *MemoryStore) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*api.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache.Get(key)
	if !ok || m.expired(e) {
		m.misses++
		return nil, nil
	}
	m.hits++
	return e.result, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, result *api.Result, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins
	if e, ok := m.cache.Peek(key); ok && !m.expired(e) {
		return nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	if m.cache.Add(key, &entry{result: result, expiresAt: expiresAt}) {
		m.evicted++
	}
	return nil
}

// CleanupExpired removes all expired entries and returns how many were
// dropped. It is O(n).
func (m *MemoryStore) CleanupExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, key := range m.cache.Keys() {
		if e, ok := m.cache.Peek(key); ok && m.expired(e) {
			m.cache.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Stats returns current store statistics.
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits + m.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}
	return Stats{
		Hits:    m.hits,
		Misses:  m.misses,
		Evicted: m.evicted,
		Size:    m.cache.Len(),
		HitRate: hitRate,
	}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	return nil
}
