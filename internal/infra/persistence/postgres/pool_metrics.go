package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/telemetry"
)

type poolGauge struct {
	name  string
	help  string
	value func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"optflow_journal_pool_connections", "Open journal connections", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"optflow_journal_pool_idle", "Idle journal connections", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"optflow_journal_pool_acquired", "Journal connections in use", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"optflow_journal_pool_max", "Configured journal pool ceiling", func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
}

// ObservePoolMetrics reports pool occupancy as observable gauges. One
// callback reads pool.Stat once per collection for every gauge.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "journal"
	}
	opt := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("optflow.journal.pool")
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.help), metric.WithUnit("{connection}"))
		if err != nil {
			return
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			o.ObserveInt64(gauges[i], g.value(stat), opt)
		}
		return nil
	}, observables...)
}
