package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/wadispatch/internal/fingerprint"
	"github.com/BTreeMap/wadispatch/internal/idempotency"
)

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func validHTTPEnv() map[string]string {
	return map[string]string{
		"GATEWAY_TEXT_URL":       "https://gw.example.com/text",
		"GATEWAY_DOCUMENT_URL":   "https://gw.example.com/document",
		"GATEWAY_TOKEN":          "secret",
		"RATE_LIMIT_BUDGET":      "30",
		"PHANTOM_WINDOW_SECONDS": "120",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "defaults",
			envVars: validHTTPEnv(),
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ProviderHTTP, cfg.GatewayProvider)
				assert.Equal(t, "https://gw.example.com/text", cfg.GatewayInteractiveURL)
				assert.Equal(t, "X-Correlation-ID", cfg.GatewayCorrelationHeader)
				assert.Equal(t, 10*time.Second, cfg.TextTimeout)
				assert.Equal(t, 30*time.Second, cfg.DocumentTimeout)
				assert.Equal(t, 30, cfg.RateLimitBudget)
				assert.Equal(t, time.Minute, cfg.RateLimitWindow)
				assert.Equal(t, 2*time.Second, cfg.RetryBase)
				assert.Equal(t, 3, cfg.RetryMaxAttempts)
				assert.Equal(t, 1, cfg.RetryBatchSize)
				assert.Equal(t, 2*time.Second, cfg.DispatchJitterMin)
				assert.Equal(t, 8*time.Second, cfg.DispatchJitterMax)
				assert.Equal(t, 60*time.Second, cfg.FingerprintBucket)
				assert.Equal(t, fingerprint.DefaultBucket, cfg.FingerprintBucket)
				assert.Equal(t, 45*time.Second, cfg.IdempotencyTTL)
				assert.Equal(t, idempotency.DefaultTTL, cfg.IdempotencyTTL)
				assert.Equal(t, 120*time.Second, cfg.PhantomWindow)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.True(t, cfg.MetricsEnabled)
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"GATEWAY_PROVIDER":        "TWILIO",
				"GATEWAY_INTERACTIVE_URL": "https://gw.example.com/interactive",
				"RETRY_BASE_MS":           "500",
				"RETRY_MAX_ATTEMPTS":      "5",
				"DOCUMENT_TIMEOUT_MS":     "45000",
				"LOG_LEVEL":               "DEBUG",
				"METRICS_ENABLED":         "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ProviderTwilio, cfg.GatewayProvider)
				assert.Equal(t, "https://gw.example.com/interactive", cfg.GatewayInteractiveURL)
				assert.Equal(t, 500*time.Millisecond, cfg.RetryBase)
				assert.Equal(t, 5, cfg.RetryMaxAttempts)
				assert.Equal(t, 45*time.Second, cfg.DocumentTimeout)
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.False(t, cfg.MetricsEnabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.envVars)
			tt.validate(t, Load())
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid http config", func(t *testing.T) {
		setEnv(t, validHTTPEnv())
		require.NoError(t, Load().Validate())
	})

	t.Run("rate budget and phantom window are required", func(t *testing.T) {
		env := validHTTPEnv()
		delete(env, "RATE_LIMIT_BUDGET")
		delete(env, "PHANTOM_WINDOW_SECONDS")
		setEnv(t, env)
		t.Setenv("RATE_LIMIT_BUDGET", "")
		t.Setenv("PHANTOM_WINDOW_SECONDS", "")

		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RATE_LIMIT_BUDGET")
		assert.Contains(t, err.Error(), "PHANTOM_WINDOW_SECONDS")
	})

	t.Run("reports every problem", func(t *testing.T) {
		cfg := &Config{GatewayProvider: "carrier-pigeon", LogFormat: "xml", LogLevel: "loud"}
		err := cfg.Validate()
		require.Error(t, err)
		for _, key := range []string{"GATEWAY_PROVIDER", "RATE_LIMIT_BUDGET", "PHANTOM_WINDOW_SECONDS", "LOG_FORMAT", "LOG_LEVEL", "RETRY_MAX_ATTEMPTS"} {
			assert.Contains(t, err.Error(), key)
		}
	})

	t.Run("twilio credentials", func(t *testing.T) {
		setEnv(t, map[string]string{
			"GATEWAY_PROVIDER":       "twilio",
			"RATE_LIMIT_BUDGET":      "10",
			"PHANTOM_WINDOW_SECONDS": "60",
		})
		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TWILIO_ACCOUNT_SID")
		assert.NotContains(t, err.Error(), "GATEWAY_TEXT_URL")
	})

	t.Run("jitter bounds", func(t *testing.T) {
		env := validHTTPEnv()
		env["DISPATCH_JITTER_MIN_MS"] = "9000"
		setEnv(t, env)
		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DISPATCH_JITTER_MIN_MS")
	})
}

func TestArchivePath(t *testing.T) {
	cfg := &Config{StateDir: "/tmp/wa"}
	assert.Equal(t, filepath.Join("/tmp/wa", DefaultArchiveFileName), cfg.ArchivePath())

	cfg.ArchiveDSN = "postgres://localhost/wa"
	assert.Equal(t, "postgres://localhost/wa", cfg.ArchivePath())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
