// Package source loads raw daily observations for a dealer.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/carreport/dealer-impact/internal/api"
)

// Source fetches the observations of one entity within [start, end].
// A source may add the nearest complete observation before start and after
// end; the series preparer uses them only as interpolation anchors.
// Observations may be unordered, duplicated or incomplete; the series
// preparer normalizes them.
type Source interface {
	Fetch(ctx context.Context, entityID string, start, end time.Time) ([]api.Observation, error)
}

// Kind names accepted by Open.
const (
	KindSynthetic = "synthetic"
	KindPostgres  = "postgres"
	KindFile      = "file"
)

// Config selects and configures an observation source.
type Config struct {
	Kind         string
	PostgresConn string
	DataFile     string
}

// Open builds the configured source. The returned close function releases
// any underlying resources and is never nil.
func Open(ctx context.Context, cfg Config) (Source, func(), error) {
	switch cfg.Kind {
	case "", KindSynthetic:
		return NewSynthetic(), func() {}, nil
	case KindPostgres:
		pg, err := NewPostgres(ctx, cfg.PostgresConn)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case KindFile:
		f, err := LoadFile(cfg.DataFile)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
