package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "synthetic", cfg.Source)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 24*time.Hour, cfg.ResultTTL)
	assert.Equal(t, 100, cfg.TokenRate)
	assert.Zero(t, cfg.DealerTokenRate)

	p := cfg.AnalysisParams()
	assert.Equal(t, 0.95, p.ConfidenceLevel)
	assert.Equal(t, 0.05, p.SignificanceLevel)
	assert.Equal(t, 1000, p.PosteriorDraws)
	assert.Equal(t, 1830, p.MaxWindowDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IMPACT_PORT", "9090")
	t.Setenv("IMPACT_STORE", "redis")
	t.Setenv("IMPACT_REDIS_DB", "3")
	t.Setenv("IMPACT_RESULT_TTL", "90m")
	t.Setenv("IMPACT_SIGNIFICANCE_LEVEL", "0.01")
	t.Setenv("IMPACT_TREND", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis", cfg.StoreConfig().Backend)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 90*time.Minute, cfg.ResultTTL)
	assert.Equal(t, 0.01, cfg.AnalysisParams().SignificanceLevel)
	assert.True(t, cfg.AnalysisParams().Trend)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "impact.yaml")
	content := "port: \"7070\"\nsource: file\ndata_file: /data/sales.csv\nposterior_draws: 2000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// Environment wins over the file.
	t.Setenv("IMPACT_PORT", "6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, "/data/sales.csv", cfg.SourceConfig().DataFile)
	assert.Equal(t, 2000, cfg.PosteriorDraws)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres source without conn", map[string]string{"IMPACT_SOURCE": "postgres"}, "postgres_conn is required"},
		{"file source without path", map[string]string{"IMPACT_SOURCE": "file"}, "data_file is required"},
		{"unknown store", map[string]string{"IMPACT_STORE": "etcd"}, "unknown store"},
		{"bad level", map[string]string{"IMPACT_LOG_LEVEL": "loud"}, "invalid log_level"},
		{"bad confidence", map[string]string{"IMPACT_CONFIDENCE_LEVEL": "1.5"}, "confidence_level"},
		{"window shorter than training period", map[string]string{"IMPACT_MAX_WINDOW_DAYS": "5"}, "max_window_days"},
		{"too few draws", map[string]string{"IMPACT_POSTERIOR_DRAWS": "10"}, "posterior_draws"},
		{"zero rate", map[string]string{"IMPACT_TOKEN_RATE": "0"}, "token_rate"},
		{"negative dealer quota", map[string]string{"IMPACT_DEALER_DAILY_QUOTA": "-1"}, "dealer_daily_quota"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "entity_id", "d1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"entity_id":"d1"`)

	buf.Reset()
	cfg.LogFormat = "text"
	cfg.Logger(&buf).Warn("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestOtelConfig(t *testing.T) {
	cfg := &Config{OtelEndpoint: "collector:4317", OtelSamplingRate: 0.25}
	oc := cfg.OtelConfig("dealer-impact")
	assert.Equal(t, "dealer-impact", oc.ServiceName)
	assert.Equal(t, "collector:4317", oc.CollectorEndpoint)
	assert.Equal(t, 0.25, oc.SamplingRate)
}
