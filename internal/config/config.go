// Package config loads service settings from defaults, an optional config
// file and IMPACT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carreport/dealer-impact/internal/api"
	"github.com/carreport/dealer-impact/internal/source"
	"github.com/carreport/dealer-impact/internal/store"
	"github.com/carreport/dealer-impact/pkg/otel"
)

// EnvPrefix prefixes every environment variable, e.g. IMPACT_PORT.
const EnvPrefix = "IMPACT"

// Config holds all service settings.
type Config struct {
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Source       string `mapstructure:"source"`
	PostgresConn string `mapstructure:"postgres_conn"`
	DataFile     string `mapstructure:"data_file"`

	Store           string        `mapstructure:"store"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	MemoryStoreSize int           `mapstructure:"memory_store_size"`

	TokenRate        int    `mapstructure:"token_rate"`
	DealerTokenRate  int    `mapstructure:"dealer_token_rate"`
	DealerDailyQuota int64  `mapstructure:"dealer_daily_quota"`
	MetricsUser      string `mapstructure:"metrics_user"`
	MetricsPass      string `mapstructure:"metrics_pass"`

	OtelEnabled      bool    `mapstructure:"otel_enabled"`
	OtelEndpoint     string  `mapstructure:"otel_endpoint"`
	OtelSamplingRate float64 `mapstructure:"otel_sampling_rate"`

	JournalDir string `mapstructure:"journal_dir"`

	ConfidenceLevel   float64 `mapstructure:"confidence_level"`
	SignificanceLevel float64 `mapstructure:"significance_level"`
	MinPrePeriodDays  int     `mapstructure:"min_pre_period_days"`
	PosteriorDraws    int     `mapstructure:"posterior_draws"`
	Trend             bool    `mapstructure:"trend"`
	MaxWindowDays     int     `mapstructure:"max_window_days"`
}

func setDefaults(v *viper.Viper) {
	p := api.DefaultAnalysisParams()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("source", source.KindSynthetic)
	v.SetDefault("postgres_conn", "")
	v.SetDefault("data_file", "")

	v.SetDefault("store", store.BackendMemory)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("result_ttl", p.ResultTTL)
	v.SetDefault("memory_store_size", store.DefaultMemorySize)

	v.SetDefault("token_rate", 100)
	v.SetDefault("dealer_token_rate", 0)
	v.SetDefault("dealer_daily_quota", 0)
	v.SetDefault("metrics_user", "")
	v.SetDefault("metrics_pass", "")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("otel_sampling_rate", 1.0)

	v.SetDefault("journal_dir", "data/journal")

	v.SetDefault("confidence_level", p.ConfidenceLevel)
	v.SetDefault("significance_level", p.SignificanceLevel)
	v.SetDefault("min_pre_period_days", p.MinPrePeriodDays)
	v.SetDefault("posterior_draws", p.PosteriorDraws)
	v.SetDefault("trend", p.Trend)
	v.SetDefault("max_window_days", p.MaxWindowDays)
}

// Load reads configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case source.KindSynthetic:
	case source.KindPostgres:
		if c.PostgresConn == "" {
			errs = append(errs, errors.New("postgres_conn is required when source=postgres"))
		}
	case source.KindFile:
		if c.DataFile == "" {
			errs = append(errs, errors.New("data_file is required when source=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}

	switch c.Store {
	case store.BackendNone, store.BackendMemory, store.BackendRedis:
	case store.BackendPostgres:
		if c.PostgresConn == "" {
			errs = append(errs, errors.New("postgres_conn is required when store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if c.TokenRate <= 0 {
		errs = append(errs, fmt.Errorf("token_rate must be positive, got %d", c.TokenRate))
	}
	if c.DealerTokenRate < 0 || c.DealerDailyQuota < 0 {
		errs = append(errs, errors.New("dealer_token_rate and dealer_daily_quota must not be negative"))
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("otel_sampling_rate must be in [0, 1], got %.2f", c.OtelSamplingRate))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := c.AnalysisParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AnalysisParams returns the statistical settings.
func (c *Config) AnalysisParams() api.AnalysisParams {
	return api.AnalysisParams{
		ConfidenceLevel:   c.ConfidenceLevel,
		SignificanceLevel: c.SignificanceLevel,
		MinPrePeriodDays:  c.MinPrePeriodDays,
		PosteriorDraws:    c.PosteriorDraws,
		Trend:             c.Trend,
		MaxWindowDays:     c.MaxWindowDays,
		ResultTTL:         c.ResultTTL,
	}
}

func (c *Config) SourceConfig() source.Config {
	return source.Config{Kind: c.Source, PostgresConn: c.PostgresConn, DataFile: c.DataFile}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:       c.Store,
		MemorySize:    c.MemoryStoreSize,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		PostgresConn:  c.PostgresConn,
	}
}

func (c *Config) OtelConfig(serviceName string) *otel.Config {
	oc := otel.DefaultConfig(serviceName)
	oc.CollectorEndpoint = c.OtelEndpoint
	oc.SamplingRate = c.OtelSamplingRate
	return oc
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}

// Logger builds the structured logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
