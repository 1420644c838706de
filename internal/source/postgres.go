package source

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carreport/dealer-impact/internal/api"
)

// fetchQuery returns the range plus the nearest complete day on each side
// as interpolation anchors.
const fetchQuery = `
	(SELECT day, sales, baseline_sales FROM dealer_daily_sales
	 WHERE dealer_id = $1 AND day < $2 AND sales IS NOT NULL AND baseline_sales IS NOT NULL
	 ORDER BY day DESC LIMIT 1)
	UNION ALL
	(SELECT day, sales, baseline_sales FROM dealer_daily_sales
	 WHERE dealer_id = $1 AND day BETWEEN $2 AND $3)
	UNION ALL
	(SELECT day, sales, baseline_sales FROM dealer_daily_sales
	 WHERE dealer_id = $1 AND day > $3 AND sales IS NOT NULL AND baseline_sales IS NOT NULL
	 ORDER BY day ASC LIMIT 1)
	ORDER BY day
`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres reads observations from the dealer_daily_sales table. NULL
// metrics are returned as NaN and treated as missing downstream.
type Postgres struct {
	db    querier
	close func()
}

// NewPostgres opens a pool and verifies the connection.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
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
	return &Postgres{db: pool, close: pool.Close}, nil
}

func (p *Postgres) Fetch(ctx context.Context, entityID string, start, end time.Time) ([]api.Observation, error) {
	rows, err := p.db.Query(ctx, fetchQuery, entityID, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var obs []api.Observation
	for rows.Next() {
		var (
			day             time.Time
			sales, baseline *float64
		)
		if err := rows.Scan(&day, &sales, &baseline); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		obs = append(obs, api.Observation{
			Date:      api.Day(day),
			Primary:   orNaN(sales),
			Covariate: orNaN(baseline),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows failed: %w", err)
	}
	return obs, nil
}

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

var nan = math.NaN()

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
