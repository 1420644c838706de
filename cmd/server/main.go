package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carreport/dealer-impact/internal/analysis"
	"github.com/carreport/dealer-impact/internal/config"
	"github.com/carreport/dealer-impact/internal/journal"
	"github.com/carreport/dealer-impact/internal/metrics"
	"github.com/carreport/dealer-impact/internal/server"
	"github.com/carreport/dealer-impact/internal/source"
	"github.com/carreport/dealer-impact/internal/store"
	"github.com/carreport/dealer-impact/pkg/otel"
)

const serviceName = "dealer-impact"

// maintenanceInterval is how often the journal is rotated and expired
// results are purged.
const maintenanceInterval = time.Hour

func main() {
	cfg, err := config.Load(os.Getenv("IMPACT_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.OtelEnabled {
		tp, err := otel.InitTracer(ctx, cfg.OtelConfig(serviceName))
		if err != nil {
			return err
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				logger.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	src, closeSource, err := source.Open(ctx, cfg.SourceConfig())
	if err != nil {
		return fmt.Errorf("failed to open observation source: %w", err)
	}
	defer closeSource()

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	if st != nil {
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing result store", "error", err)
			}
		}()
	}

	j, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error("error closing journal", "error", err)
		}
	}()

	m := metrics.New()

	opts := []analysis.Option{
		analysis.WithLogger(logger),
		analysis.WithMetrics(m),
		analysis.WithParams(cfg.AnalysisParams()),
	}
	if st != nil {
		opts = append(opts, analysis.WithStore(st))
	}
	analyzer, err := analysis.New(src, opts...)
	if err != nil {
		return err
	}

	var quotas *server.DealerQuotas
	if cfg.DealerTokenRate > 0 || cfg.DealerDailyQuota > 0 {
		if quotas, err = server.NewDealerQuotas(cfg.DealerTokenRate, cfg.DealerDailyQuota); err != nil {
			return err
		}
	}

	srv := server.New(analyzer, server.Options{
		Logger:      logger,
		Metrics:     m,
		Journal:     j,
		TokenRate:   cfg.TokenRate,
		Quotas:      quotas,
		MetricsUser: cfg.MetricsUser,
		MetricsPass: cfg.MetricsPass,
	})

	logger.Info("configured",
		"source", cfg.Source,
		"store", cfg.Store,
		"journal_dir", cfg.JournalDir,
		"confidence_level", cfg.ConfidenceLevel,
		"significance_level", cfg.SignificanceLevel,
	)

	go maintain(ctx, logger, j, st)

	return srv.Run(ctx, ":"+cfg.Port)
}

// maintain rotates the journal at day boundaries and purges expired results
// until ctx is done.
func maintain(ctx context.Context, logger *slog.Logger, j *journal.Journal, st store.Store) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if j.Stale() {
			old, err := j.Rotate()
			if err != nil {
				logger.Error("journal rotation failed", "error", err)
			} else {
				logger.Info("journal rotated", "closed", old)
			}
		}

		if cleaner, ok := st.(store.Cleaner); ok {
			removed, err := cleaner.CleanupExpired(ctx)
			if err != nil {
				logger.Error("result cleanup failed", "error", err)
				continue
			}
			logger.Debug("expired results removed", "count", removed)
		}
	}
}
