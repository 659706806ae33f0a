// Package migrations wires golang-migrate execution for sigma's persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/sigma/db/migrations"
	"github.com/coachpo/sigma/internal/infra/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations are applied to the Postgres instance reachable via dsn.
// An empty migrationsDir uses the SQL files embedded in the binary. A nil logger
// disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return run(ctx, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the most recent steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0")
	}
	return run(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, source, err := newMigrate(migrationsDir, driver)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations %s: source=%s", direction, source)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop", source)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed", source)
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	if logger != nil {
		logger.Printf("database migrations %s applied successfully", direction)
	}
	recordMigrationMetric(ctx, direction, "applied", source)
	return nil
}

func newMigrate(migrationsDir string, driver *pgxv5.Postgres) (*migrate.Migrate, string, error) {
	if strings.TrimSpace(migrationsDir) == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
		if err != nil {
			return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
		}
		return m, embeddedSource, nil
	}

	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return nil, "", err
	}
	m, err := migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	if err != nil {
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, resolvedDir, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("sigma_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("direction", direction),
		attribute.String("result", result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
