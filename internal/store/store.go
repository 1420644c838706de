// Package store keeps finished analyses keyed by request fingerprint so a
// repeated request is answered with the identical result.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
)

// Store provides idempotent result storage for analyses.
type Store interface {
	// Get retrieves a stored result by fingerprint. Returns nil if not found.
	Get(ctx context.Context, key string) (*api.Result, error)

	// Set stores a result with TTL. First write wins.
	Set(ctx context.Context, key string, result *api.Result, ttl time.Duration) error

	// Close releases resources
	Close() error
}

// Cleaner is implemented by stores that need expired entries purged
// periodically.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Backend names accepted by Open.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a result store backend.
type Config struct {
	Backend       string
	MemorySize    int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresConn  string
}

// Open builds the configured backend. It returns a nil Store for "none".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		s, err := NewMemoryStore(cfg.MemorySize)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.PostgresConn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
