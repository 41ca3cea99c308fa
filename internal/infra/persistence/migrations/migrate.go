// Package migrations wires golang-migrate execution for the order journal schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

	dbmigrations "github.com/coachpo/optflow/db/migrations"
	"github.com/coachpo/optflow/internal/observability"
	"github.com/coachpo/optflow/internal/telemetry"
)

const embeddedSource = "embedded"

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, resolvedDir, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, resolvedDir, logger)
	})
}

// ApplyEmbedded applies the migrations compiled into the binary.
func ApplyEmbedded(ctx context.Context, dsn string, logger observability.Logger) error {
	return withMigrator(ctx, dsn, embeddedSource, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, embeddedSource, logger)
	})
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	return withMigrator(ctx, dsn, resolvedDir, logger, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			recordMigrationMetric(ctx, "failed", resolvedDir)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		logf(logger, "journal schema rolled back", observability.F("steps", steps))
		recordMigrationMetric(ctx, "rolled_back", resolvedDir)
		return nil
	})
}

func up(ctx context.Context, m *migrate.Migrate, source string, logger observability.Logger) error {
	err := m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		recordMigrationMetric(ctx, "noop", source)
		logf(logger, "journal schema current", observability.F("source", source))
		return nil
	case err != nil:
		recordMigrationMetric(ctx, "failed", source)
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr != nil {
		logf(logger, "journal schema migrated", observability.F("source", source))
	} else {
		logf(logger, "journal schema migrated",
			observability.F("source", source),
			observability.F("version", version),
			observability.F("dirty", dirty))
	}
	recordMigrationMetric(ctx, "applied", source)
	return nil
}

// withMigrator opens a dedicated connection for the run, builds a migrator
// over source and releases both when fn returns.
func withMigrator(ctx context.Context, dsn, source string, logger observability.Logger, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("journal migrations: open: %w", err)
	}
	defer closeWith(logger, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal migrations: ping: %w", err)
	}

	m, err := newMigrator(db, source)
	if err != nil {
		return err
	}
	defer closeWith(logger, func() error {
		srcErr, dbErr := m.Close()
		return observability.AggregateErrors("migrations.close", []error{srcErr, dbErr})
	})
	return fn(m)
}

func newMigrator(db *sql.DB, source string) (*migrate.Migrate, error) {
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal migrations: driver: %w", err)
	}
	if source != embeddedSource {
		m, err := migrate.NewWithDatabaseInstance(fileURL(source), "pgx5", driver)
		if err != nil {
			return nil, fmt.Errorf("journal migrations: %s: %w", source, err)
		}
		return m, nil
	}
	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("journal migrations: embedded source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("journal migrations: embedded: %w", err)
	}
	return m, nil
}

func closeWith(logger observability.Logger, closeFn func() error) {
	if err := closeFn(); err != nil {
		logf(logger, "journal migrations: close failed", observability.Err(err))
	}
}

func logf(logger observability.Logger, msg string, fields ...observability.Field) {
	if logger != nil {
		logger.Info(msg, fields...)
	}
}

// resolveDir returns the absolute form of dir after checking that it names
// an existing directory.
func resolveDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("migrations path required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("migrations path %q: %w", dir, err)
	}
	switch info, err := os.Stat(abs); {
	case err != nil:
		return "", fmt.Errorf("migrations path %q: %w", abs, err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations path %q: %w", abs, errNotDirectory)
	}
	return abs, nil
}

// fileURL builds the file:// source URL; Windows drive paths gain a leading
// slash.
func fileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// migrationRuns is created on first use so it binds to the meter provider
// installed at startup.
var migrationRuns = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("optflow.journal.migrations").Int64Counter("optflow_journal_migrations_total",
		metric.WithDescription("Journal schema migration runs by outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil
	}
	return counter
})

func recordMigrationMetric(ctx context.Context, result, source string) {
	counter := migrationRuns()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("source", filepath.Base(source)),
	))
}
