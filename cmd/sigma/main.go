// Command sigma collects one option-chain batch from the broker bridge and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/sigma/errs"
	"github.com/coachpo/sigma/internal/app/batch"
	"github.com/coachpo/sigma/internal/app/completion"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/infra/config"
	"github.com/coachpo/sigma/internal/infra/gateway"
	"github.com/coachpo/sigma/internal/infra/gateway/fake"
	"github.com/coachpo/sigma/internal/infra/gateway/ws"
	"github.com/coachpo/sigma/internal/infra/persistence/migrations"
	"github.com/coachpo/sigma/internal/infra/persistence/postgres"
	"github.com/coachpo/sigma/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	sessionShutdownTimeout   = 10 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	dryRunLatency            = 2 * time.Millisecond
	databasePoolName         = "snapshots"
)

// Exit codes: 1 for runtime failures, 2 for bad input or a failed handshake.
const (
	exitFailure = 1
	exitUsage   = 2
)

type flags struct {
	configPath string
	job        string
	dryRun     bool
	store      bool
	out        string
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(f.configPath)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitUsage
	}
	if f.verbose {
		appCfg.Logging.Verbose = true
	}
	logger := newLogger(stderr, appCfg.Logging)
	if !loadedFromFile {
		logger.Printf("configuration file %s not found, using defaults", configPath)
	}
	logger.Printf("configuration initialised: env=%s instrument=%s job=%s dry-run=%t store=%t",
		appCfg.Environment, appCfg.Instrument.Symbol, f.job, f.dryRun, f.store)

	job, err := batch.Lookup(f.job)
	if err != nil {
		logger.Printf("%v", err)
		return exitUsage
	}
	plan, err := batch.PlanFromConfig(appCfg, time.Now())
	if err != nil {
		logger.Printf("build entity space: %v", err)
		return exitUsage
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Printf("initialize telemetry: %v", err)
		return exitFailure
	}

	var (
		pool *pgxpool.Pool
		sess *session.Session
	)
	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownStart := time.Now()
		performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
			session:   sess,
			pool:      pool,
			telemetry: telemetryProvider,
		})
		logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	}
	defer shutdown()

	sinks := []batch.Sink{}
	if f.out != "" {
		sink, closeOut, err := openOutput(f.out)
		if err != nil {
			logger.Printf("open output: %v", err)
			return exitFailure
		}
		defer closeOut()
		sinks = append(sinks, sink)
	}
	if f.store {
		pool, err = openStore(ctx, logger, appCfg.Database)
		if err != nil {
			logger.Printf("initialise store: %v", err)
			return exitFailure
		}
		sinks = append(sinks, batch.NewStoreSink(postgres.NewSnapshotStore(pool)))
	}

	sess = session.New(newGateway(appCfg, f.dryRun, logger), session.Options{
		ConnectTimeout: appCfg.Gateway.ConnectTimeout,
		Logger:         logger,
		Verbose:        appCfg.Logging.Verbose,
		WarningCodes:   appCfg.Batch.WarningCodes,
	})

	if err := sess.Connect(ctx); err != nil {
		logger.Printf("connect: %v", err)
		if errs.Is(err, errs.CanonicalHandshakeTimeout) {
			return exitUsage
		}
		return exitFailure
	}

	runner, err := batch.NewRunner(sess, batch.Options{
		RateLimitHz: appCfg.Batch.RateLimitHz,
		Completion: completion.Options{
			PollInterval:    appCfg.Batch.PollInterval,
			StabilityPolls:  appCfg.Batch.StabilityPolls,
			AbsoluteTimeout: appCfg.Batch.AbsoluteTimeout(),
			Logger:          logger,
		},
		CompleteWhen: appCfg.Batch.CompleteWhen,
		Sinks:        sinks,
		Logger:       logger,
		Verbose:      appCfg.Logging.Verbose,
	})
	if err != nil {
		logger.Printf("initialise runner: %v", err)
		return exitUsage
	}

	report, err := runner.Run(ctx, job, plan)
	complete, incomplete, errored := report.Counts()
	logger.Printf("batch %s done: complete=%d incomplete=%d errored=%d unknown-ids=%d",
		report.BatchID, complete, incomplete, errored, sess.Demux().Unknown())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Printf("batch interrupted: %v", err)
		} else {
			logger.Printf("batch failed: %v", err)
		}
		return exitFailure
	}
	return 0
}

func parseFlags(args []string, output io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("sigma", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&f.job, "job", batch.JobSnapshot, fmt.Sprintf("Collection job, one of %v", batch.JobNames()))
	fs.BoolVar(&f.dryRun, "dry-run", false, "Use the in-process scripted broker instead of the bridge")
	fs.BoolVar(&f.store, "store", false, "Persist the batch to PostgreSQL")
	fs.StringVar(&f.out, "out", "-", "Write the JSON report to this file (- for stdout, empty to disable)")
	fs.BoolVar(&f.verbose, "verbose", false, "Log every field update")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *log.Logger {
	// the report may go to stdout, keep logs on stderr
	return log.New(w, cfg.Prefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func newGateway(cfg config.AppConfig, dryRun bool, logger *log.Logger) gateway.Gateway {
	if dryRun {
		logger.Print("dry run: using scripted broker")
		return fake.New(fake.Options{Latency: dryRunLatency, Logger: logger})
	}
	return ws.New(ws.Options{
		URL:          cfg.Gateway.URL,
		ClientID:     cfg.Gateway.ClientID,
		ReadLimit:    cfg.Gateway.ReadLimit,
		PingInterval: cfg.Gateway.PingInterval,
		Logger:       logger,
	})
}

func openOutput(path string) (batch.Sink, func(), error) {
	if path == "-" {
		return batch.NewJSONSink(os.Stdout), func() {}, nil
	}
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}
	return batch.NewJSONSink(file), func() { _ = file.Close() }, nil
}

func openStore(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, "", logger); err != nil {
			return nil, err
		}
	}
	pool, err := postgres.Open(ctx, cfg, databasePoolName)
	if err != nil {
		return nil, err
	}
	logger.Printf("database pool ready: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	session   *session.Session
	pool      *pgxpool.Pool
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.session != nil {
		shutdownStep("disconnecting session", sessionShutdownTimeout, cfg.session.Disconnect)
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.pool.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
