package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carreport/dealer-impact/internal/api"
)

// Schema is the table backing PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS impact_results (
  fingerprint VARCHAR(64) PRIMARY KEY,
  result JSONB NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_impact_results_expires ON impact_results(expires_at);
`

// querier is the subset of pgxpool.Pool used by the store.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store on Postgres, using the primary key with
// ON CONFLICT DO NOTHING for atomic first-write-wins.
type PostgresStore struct {
	db    querier
	close func()
	now   func() time.Time
}

// NewPostgresStore opens a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{db: pool, close: pool.Close, now: time.Now}, nil
}

// Migrate creates the results table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*api.Result, error) {
	const query = `
		SELECT result
		FROM impact_results
		WHERE fingerprint = $1 AND expires_at > NOW()
	`

	var resultJSON []byte
	err := p.db.QueryRow(ctx, query, key).Scan(&resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var result api.Result
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, result *api.Result, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	const query = `
		INSERT INTO impact_results (fingerprint, result, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO NOTHING
	`
	if _, err := p.db.Exec(ctx, query, key, resultJSON, p.now().Add(ttl)); err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

// CleanupExpired removes expired rows and returns how many were deleted.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM impact_results WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
