// Package persistence selects and opens the configured order journal.
package persistence

import (
	"context"
	"fmt"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/infra/config"
	"github.com/coachpo/optflow/internal/infra/persistence/memory"
	"github.com/coachpo/optflow/internal/infra/persistence/migrations"
	pebblejournal "github.com/coachpo/optflow/internal/infra/persistence/pebble"
	"github.com/coachpo/optflow/internal/infra/persistence/postgres"
	"github.com/coachpo/optflow/internal/observability"
)

// Open returns the journal selected by cfg.Driver. Postgres schemas are
// migrated first when RunMigrations is set.
func Open(ctx context.Context, cfg config.JournalConfig, logger observability.Logger) (orderstore.Journal, error) {
	if logger == nil {
		logger = observability.Log()
	}
	switch cfg.Driver {
	case config.JournalMemory:
		logger.Info("order journal: memory, orders will not survive a restart")
		return memory.NewJournal(), nil
	case config.JournalPebble, "":
		j, err := pebblejournal.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("order journal: pebble", observability.F("path", cfg.Path))
		return j, nil
	case config.JournalPostgres:
		db := cfg.Database
		if db.RunMigrations {
			if err := migrations.ApplyEmbedded(ctx, db.DSN, logger); err != nil {
				return nil, err
			}
		}
		j, err := postgres.Open(ctx, postgres.PoolConfig{
			DSN:               db.DSN,
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			MaxConnIdleTime:   db.MaxConnIdleTime,
			HealthCheckPeriod: db.HealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("order journal: postgres")
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}
