package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/wadispatch/internal/api"
	"github.com/BTreeMap/wadispatch/internal/config"
	"github.com/BTreeMap/wadispatch/internal/dispatch"
	"github.com/BTreeMap/wadispatch/internal/gateway"
	"github.com/BTreeMap/wadispatch/internal/idempotency"
	"github.com/BTreeMap/wadispatch/internal/ledger"
	"github.com/BTreeMap/wadispatch/internal/lockfile"
	"github.com/BTreeMap/wadispatch/internal/metrics"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/ratelimit"
	"github.com/BTreeMap/wadispatch/internal/store"
)

// ArchiveMemory selects the in-memory attempt archive.
const ArchiveMemory = "memory"

func main() {
	cfg := config.Load()
	parseCommandLineFlags(cfg, flag.CommandLine, os.Args[1:])

	logger, err := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping wadispatch", "provider", cfg.GatewayProvider, "api_addr", cfg.APIAddr, "state_dir", cfg.StateDir)
	if err := run(ctx, cfg); err != nil {
		slog.Error("wadispatch failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("wadispatch exited successfully")
}

// parseCommandLineFlags lets flags override a few environment settings.
func parseCommandLineFlags(cfg *config.Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.APIAddr, "addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for the lock and SQLite archive (overrides $STATE_DIR)")
	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", cfg.ArchiveDSN, `attempt archive DSN: SQLite path, Postgres URL or "memory" (overrides $ARCHIVE_DSN)`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (overrides $LOG_LEVEL)")
	_ = fs.Parse(args)

	slog.Debug("flags parsed",
		"addr", cfg.APIAddr,
		"stateDir", cfg.StateDir,
		"archiveDSN_set", cfg.ArchiveDSN != "",
		"logLevel", cfg.LogLevel)
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// buildStoreOptions picks the archive backend from the DSN.
func buildStoreOptions(dsn string) []store.Option {
	if dsn == "" || dsn == ArchiveMemory {
		slog.Debug("No archive DSN, using in-memory archive")
		return nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL archive", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite archive", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildWire creates the gateway wire for the configured provider.
func buildWire(cfg *config.Config) (gateway.Wire, error) {
	switch cfg.GatewayProvider {
	case config.ProviderTwilio:
		return gateway.NewTwilioWire(
			gateway.WithAccountSID(cfg.TwilioAccountSID),
			gateway.WithAuthToken(cfg.TwilioAuthToken),
			gateway.WithFromWhats(cfg.TwilioFromNumber),
		)
	case config.ProviderHTTP:
		return gateway.NewHTTPWire(
			gateway.WithTextURL(cfg.GatewayTextURL),
			gateway.WithDocumentURL(cfg.GatewayDocumentURL),
			gateway.WithInteractiveURL(cfg.GatewayInteractiveURL),
			gateway.WithToken(cfg.GatewayToken),
			gateway.WithCorrelationHeader(cfg.GatewayCorrelationHeader),
		)
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
	}
}

// buildEngineOptions maps configuration onto dispatch options.
func buildEngineOptions(cfg *config.Config, obs dispatch.Observer) []dispatch.Option {
	opts := []dispatch.Option{
		dispatch.WithFingerprintBucket(cfg.FingerprintBucket),
		dispatch.WithJitter(cfg.DispatchJitterMin, cfg.DispatchJitterMax),
		dispatch.WithRetryBase(cfg.RetryBase),
		dispatch.WithMaxAttempts(cfg.RetryMaxAttempts),
		dispatch.WithRetryBatchSize(cfg.RetryBatchSize),
		dispatch.WithRetryPollInterval(cfg.RetryPollInterval),
		dispatch.WithDelayedPollInterval(cfg.DelayedPollInterval),
	}
	if obs != nil {
		opts = append(opts, dispatch.WithObserver(obs))
	}
	return opts
}

// components is everything run() starts.
type components struct {
	repo     store.AttemptRepo
	archiver *store.Archiver
	engine   *dispatch.Engine
	server   *api.Server
}

// build wires the engine, archive and API from cfg without starting them.
func build(cfg *config.Config) (*components, error) {
	repo, err := store.Open(buildStoreOptions(cfg.ArchivePath())...)
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt archive: %w", err)
	}
	archiver := store.NewArchiver(repo, store.DefaultArchiveBuffer, store.DefaultFlushInterval)

	wire, err := buildWire(cfg)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to create gateway wire: %w", err)
	}

	var rec *metrics.Recorder
	if cfg.MetricsEnabled {
		rec = metrics.NewRecorder()
	}

	limiter, err := ratelimit.New(cfg.RateLimitBudget, cfg.RateLimitWindow, nil)
	if err != nil {
		repo.Close()
		return nil, err
	}
	idem, err := idempotency.New(cfg.IdempotencyTTL, cfg.IdempotencyMaxEntries, nil)
	if err != nil {
		repo.Close()
		return nil, err
	}
	l, err := ledger.New(cfg.PhantomWindow, cfg.LedgerMaxEntries, ledger.WithSink(archiver))
	if err != nil {
		repo.Close()
		return nil, err
	}

	var onPhantom func(string, ledger.Entry)
	transportOpts := []gateway.Option{
		gateway.WithTextTimeout(cfg.TextTimeout),
		gateway.WithDocumentTimeout(cfg.DocumentTimeout),
	}
	var obs dispatch.Observer
	if rec != nil {
		onPhantom = func(string, ledger.Entry) { rec.PhantomEcho() }
		transportOpts = append(transportOpts, gateway.WithObserver(rec))
		obs = rec
	}
	transport := gateway.NewTransport(wire, idem, l, transportOpts...)

	engine, err := dispatch.NewEngine(transport, limiter, idem, ledger.NewDetector(l, onPhantom), buildEngineOptions(cfg, obs)...)
	if err != nil {
		repo.Close()
		return nil, err
	}

	apiOpts := []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithAttemptRepo(repo),
		api.WithInboundHandler(logInbound),
	}
	if rec != nil {
		registerQueueGauges(rec, engine)
		apiOpts = append(apiOpts, api.WithMetricsHandler(rec.Handler()), api.WithInboundCounter(rec))
	}

	return &components{
		repo:     repo,
		archiver: archiver,
		engine:   engine,
		server:   api.NewServer(engine, apiOpts...),
	}, nil
}

func registerQueueGauges(rec *metrics.Recorder, engine *dispatch.Engine) {
	rec.RegisterGauge("delayed_queue_depth", "Jobs waiting in the delayed queue", func() float64 {
		return float64(engine.Delayed().Len())
	})
	rec.RegisterGauge("retry_queue_depth", "Jobs waiting in the retry queue", func() float64 {
		return float64(engine.Retry().Len())
	})
	rec.RegisterGauge("in_flight_sends", "Gateway attempts currently running", func() float64 {
		return float64(engine.InFlight())
	})
	rec.RegisterGauge("rate_budget_remaining", "Sends left in the current rate window", func() float64 {
		return float64(engine.Snapshot().RateRemaining)
	})
}

// logInbound is the default consumer of genuine inbound messages.
func logInbound(_ context.Context, msg models.InboundMessage) {
	slog.Info("Inbound message received", "from", msg.From, "has_media", msg.Media != "")
}

// run acquires the state directory lock and runs every component until ctx
// is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir, cfg.APIAddr)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintf(os.Stderr, "\n%s\n\n", lockErr.Error())
		}
		return err
	}
	defer lock.Release()

	c, err := build(cfg)
	if err != nil {
		return err
	}
	defer c.repo.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.archiver.Run(gctx)
		return nil
	})
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error { return c.server.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
