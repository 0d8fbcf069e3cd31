// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

const (
	ProviderHTTP   = "http"
	ProviderTwilio = "twilio"

	// DefaultStateDir is the default directory for lock and archive files.
	DefaultStateDir = "/var/lib/wadispatch"
	// DefaultArchiveFileName is the SQLite archive filename inside the state dir.
	DefaultArchiveFileName = "wadispatch.db"
)

// Config holds all service configuration.
type Config struct {
	// GatewayProvider selects the wire backend: "http" or "twilio".
	GatewayProvider          string
	GatewayTextURL           string
	GatewayDocumentURL       string
	GatewayInteractiveURL    string
	GatewayToken             string
	GatewayCorrelationHeader string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	TextTimeout     time.Duration
	DocumentTimeout time.Duration

	// RateLimitBudget is the number of sends allowed per window. Required.
	RateLimitBudget int
	RateLimitWindow time.Duration

	RetryBase             time.Duration
	RetryMaxAttempts      int
	RetryBatchSize        int
	RetryPollInterval     time.Duration
	DelayedPollInterval   time.Duration
	DispatchJitterMin     time.Duration
	DispatchJitterMax     time.Duration
	FingerprintBucket     time.Duration
	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int

	// PhantomWindow is how long an outbound attempt suppresses its echo. Required.
	PhantomWindow    time.Duration
	LedgerMaxEntries int

	APIAddr        string
	StateDir       string
	ArchiveDSN     string
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// Load reads configuration from a .env file (if any) and the environment.
func Load() *Config {
	loadDotEnv()

	cfg := &Config{
		GatewayProvider:          strings.ToLower(env.GetString("GATEWAY_PROVIDER", ProviderHTTP)),
		GatewayTextURL:           env.GetString("GATEWAY_TEXT_URL", ""),
		GatewayDocumentURL:       env.GetString("GATEWAY_DOCUMENT_URL", ""),
		GatewayInteractiveURL:    env.GetString("GATEWAY_INTERACTIVE_URL", ""),
		GatewayToken:             env.GetString("GATEWAY_TOKEN", ""),
		GatewayCorrelationHeader: env.GetString("GATEWAY_CORRELATION_HEADER", "X-Correlation-ID"),

		TwilioAccountSID: env.GetString("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  env.GetString("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: env.GetString("TWILIO_FROM_NUMBER", ""),

		TextTimeout:     env.GetDuration("TEXT_TIMEOUT_MS", 10000, time.Millisecond),
		DocumentTimeout: env.GetDuration("DOCUMENT_TIMEOUT_MS", 30000, time.Millisecond),

		RateLimitBudget: env.GetInt("RATE_LIMIT_BUDGET", 0),
		RateLimitWindow: env.GetDuration("RATE_LIMIT_WINDOW_SECONDS", 60, time.Second),

		RetryBase:             env.GetDuration("RETRY_BASE_MS", 2000, time.Millisecond),
		RetryMaxAttempts:      env.GetInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBatchSize:        env.GetInt("RETRY_BATCH_SIZE", 1),
		RetryPollInterval:     env.GetDuration("RETRY_POLL_INTERVAL_MS", 1000, time.Millisecond),
		DelayedPollInterval:   env.GetDuration("DELAYED_POLL_INTERVAL_MS", 1000, time.Millisecond),
		DispatchJitterMin:     env.GetDuration("DISPATCH_JITTER_MIN_MS", 2000, time.Millisecond),
		DispatchJitterMax:     env.GetDuration("DISPATCH_JITTER_MAX_MS", 8000, time.Millisecond),
		FingerprintBucket:     env.GetDuration("FINGERPRINT_BUCKET_SECONDS", 60, time.Second),
		IdempotencyTTL:        env.GetDuration("IDEMPOTENCY_TTL_SECONDS", 45, time.Second),
		IdempotencyMaxEntries: env.GetInt("IDEMPOTENCY_MAX_ENTRIES", 10000),

		PhantomWindow:    env.GetDuration("PHANTOM_WINDOW_SECONDS", 0, time.Second),
		LedgerMaxEntries: env.GetInt("LEDGER_MAX_ENTRIES", 10000),

		APIAddr:        env.GetString("API_ADDR", ":8080"),
		StateDir:       env.GetString("STATE_DIR", DefaultStateDir),
		ArchiveDSN:     env.GetString("ARCHIVE_DSN", ""),
		LogLevel:       strings.ToLower(env.GetString("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(env.GetString("LOG_FORMAT", "text")),
		MetricsEnabled: env.GetBool("METRICS_ENABLED", true),
	}

	if cfg.GatewayInteractiveURL == "" {
		cfg.GatewayInteractiveURL = cfg.GatewayTextURL
	}

	slog.Debug("Config.Load: environment loaded",
		"provider", cfg.GatewayProvider,
		"textURL_set", cfg.GatewayTextURL != "",
		"documentURL_set", cfg.GatewayDocumentURL != "",
		"token_set", cfg.GatewayToken != "",
		"rateBudget", cfg.RateLimitBudget,
		"phantomWindow", cfg.PhantomWindow,
		"stateDir", cfg.StateDir,
		"archiveDSN_set", cfg.ArchiveDSN != "")
	return cfg
}

// Validate reports every missing or invalid setting.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.GatewayProvider {
	case ProviderHTTP:
		if c.GatewayTextURL == "" {
			add("GATEWAY_TEXT_URL is required for the http provider")
		}
		if c.GatewayDocumentURL == "" {
			add("GATEWAY_DOCUMENT_URL is required for the http provider")
		}
		if c.GatewayToken == "" {
			add("GATEWAY_TOKEN is required for the http provider")
		}
	case ProviderTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "" {
			add("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for the twilio provider")
		}
	default:
		add("GATEWAY_PROVIDER must be %q or %q, got %q", ProviderHTTP, ProviderTwilio, c.GatewayProvider)
	}

	if c.RateLimitBudget <= 0 {
		add("RATE_LIMIT_BUDGET must be a positive integer")
	}
	if c.RateLimitWindow <= 0 {
		add("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.PhantomWindow <= 0 {
		add("PHANTOM_WINDOW_SECONDS must be positive")
	}
	if c.TextTimeout <= 0 || c.DocumentTimeout <= 0 {
		add("TEXT_TIMEOUT_MS and DOCUMENT_TIMEOUT_MS must be positive")
	}
	if c.RetryBase <= 0 {
		add("RETRY_BASE_MS must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		add("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.RetryBatchSize <= 0 {
		add("RETRY_BATCH_SIZE must be positive")
	}
	if c.DispatchJitterMin < 0 || c.DispatchJitterMax < c.DispatchJitterMin {
		add("DISPATCH_JITTER_MIN_MS must be non-negative and not above DISPATCH_JITTER_MAX_MS")
	}
	if c.FingerprintBucket <= 0 {
		add("FINGERPRINT_BUCKET_SECONDS must be positive")
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyMaxEntries <= 0 {
		add("IDEMPOTENCY_TTL_SECONDS and IDEMPOTENCY_MAX_ENTRIES must be positive")
	}
	if c.LedgerMaxEntries <= 0 {
		add("LEDGER_MAX_ENTRIES must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		add("LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		add("LOG_LEVEL: %v", err)
	}

	return errors.Join(errs...)
}

// ArchivePath returns the archive DSN, defaulting to a SQLite file in the
// state directory.
func (c *Config) ArchivePath() string {
	if c.ArchiveDSN != "" {
		return c.ArchiveDSN
	}
	return filepath.Join(c.StateDir, DefaultArchiveFileName)
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}

// loadDotEnv walks up from the working directory and loads the first .env
// file it finds.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				slog.Debug("Config.loadDotEnv: failed to load .env file", "path", envPath, "error", err)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
