// Package postgres provides a PostgreSQL-backed order journal.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optflow/internal/domain/orderstore"
	"github.com/coachpo/optflow/internal/domain/schema"
	"github.com/coachpo/optflow/internal/telemetry"
)

const (
	// Only the newest version of a record wins. Replays of older snapshots are no-ops.
	recordUpsertSQL = `
INSERT INTO order_journal (
    client_request_id,
    order_id,
    strategy_id,
    leg,
    instrument,
    side,
    order_type,
    quantity,
    price,
    state,
    filled_quantity,
    avg_fill_price,
    cancel_requested,
    reject_reason,
    last_broker_event_at,
    created_at,
    updated_at,
    version,
    snapshot
)
VALUES (
    @client_request_id,
    NULLIF(@order_id, ''),
    @strategy_id,
    @leg,
    @instrument,
    @side,
    @order_type,
    @quantity,
    @price,
    @state,
    @filled_quantity,
    @avg_fill_price,
    @cancel_requested,
    @reject_reason,
    @last_broker_event_at,
    @created_at,
    @updated_at,
    @version,
    @snapshot::jsonb
)
ON CONFLICT (client_request_id) DO UPDATE SET
    order_id = COALESCE(EXCLUDED.order_id, order_journal.order_id),
    state = EXCLUDED.state,
    filled_quantity = EXCLUDED.filled_quantity,
    avg_fill_price = EXCLUDED.avg_fill_price,
    cancel_requested = EXCLUDED.cancel_requested,
    reject_reason = EXCLUDED.reject_reason,
    last_broker_event_at = EXCLUDED.last_broker_event_at,
    updated_at = EXCLUDED.updated_at,
    version = EXCLUDED.version,
    snapshot = EXCLUDED.snapshot
WHERE order_journal.version <= EXCLUDED.version;
`

	recordSelectBase = `
SELECT version, snapshot
FROM order_journal
`

	defaultListLimit = 100
	maxListLimit     = 1000
)

var terminalStates = []string{
	string(schema.OrderStateFilled),
	string(schema.OrderStateRejected),
	string(schema.OrderStateCancelled),
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Journal implements orderstore.Journal on PostgreSQL.
type Journal struct {
	pool   *pgxpool.Pool
	owned  bool
	writes metric.Int64Counter
}

var _ orderstore.Journal = (*Journal)(nil)

// NewJournal wraps an existing pool. Close leaves the pool open.
func NewJournal(pool *pgxpool.Pool) *Journal {
	writes, _ := otel.Meter("persistence.postgres").Int64Counter("journal.writes",
		metric.WithDescription("Order journal writes"),
		metric.WithUnit("{write}"))
	return &Journal{pool: pool, writes: writes}
}

// PoolConfig carries connection pool tuning.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Open creates a pool, verifies connectivity and registers pool gauges.
// Close on the returned journal closes the pool.
func Open(ctx context.Context, cfg PoolConfig) (*Journal, error) {
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("order journal: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("order journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("order journal: ping: %w", err)
	}
	ObservePoolMetrics(pool, "journal")
	j := NewJournal(pool)
	j.owned = true
	return j, nil
}

func (j *Journal) ensurePool() (*pgxpool.Pool, error) {
	if j.pool == nil {
		return nil, fmt.Errorf("order journal: nil pool")
	}
	return j.pool, nil
}

// Save implements orderstore.Journal.
func (j *Journal) Save(ctx context.Context, record orderstore.OrderRecord) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	err = j.saveWith(ctx, pool, record)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	if j.writes != nil {
		j.writes.Add(ctx, 1, metric.WithAttributes(telemetry.JournalAttributes("postgres", result)...))
	}
	return err
}

func (j *Journal) saveWith(ctx context.Context, exec execer, record orderstore.OrderRecord) error {
	if strings.TrimSpace(record.ClientRequestID) == "" {
		return fmt.Errorf("order journal: client request id required")
	}
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	if _, err := exec.Exec(ctx, recordUpsertSQL, args); err != nil {
		return fmt.Errorf("order journal: upsert %s: %w", record.ClientRequestID, err)
	}
	return nil
}

func recordArgs(record orderstore.OrderRecord) (pgx.NamedArgs, error) {
	snapshot, err := json.Marshal(record.OrderSnapshot)
	if err != nil {
		return nil, fmt.Errorf("order journal: encode snapshot: %w", err)
	}
	quantity, err := numericFromDecimal(record.Quantity)
	if err != nil {
		return nil, err
	}
	price, err := numericFromDecimal(record.Price)
	if err != nil {
		return nil, err
	}
	filled, err := numericFromDecimal(record.FilledQuantity)
	if err != nil {
		return nil, err
	}
	avg, err := numericFromDecimal(record.AvgFillPrice)
	if err != nil {
		return nil, err
	}
	return pgx.NamedArgs{
		"client_request_id":    record.ClientRequestID,
		"order_id":             record.OrderID,
		"strategy_id":          record.StrategyID,
		"leg":                  record.Leg,
		"instrument":           record.Instrument,
		"side":                 string(record.Side),
		"order_type":           string(record.Type),
		"quantity":             quantity,
		"price":                price,
		"state":                string(record.State),
		"filled_quantity":      filled,
		"avg_fill_price":       avg,
		"cancel_requested":     record.CancelRequested,
		"reject_reason":        record.RejectReason,
		"last_broker_event_at": timestamptz(record.LastBrokerEventAt),
		"created_at":           timestamptz(record.CreatedAt),
		"updated_at":           timestamptz(record.UpdatedAt),
		"version":              record.Version,
		"snapshot":             string(snapshot),
	}, nil
}

// LoadOpen implements orderstore.Journal.
func (j *Journal) LoadOpen(ctx context.Context) ([]orderstore.OrderRecord, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recordSelectBase+" WHERE state <> ALL($1) ORDER BY updated_at DESC", terminalStates)
	if err != nil {
		return nil, fmt.Errorf("order journal: load open: %w", err)
	}
	return collect(rows)
}

// List implements orderstore.Journal.
func (j *Journal) List(ctx context.Context, query orderstore.OrderQuery) ([]orderstore.OrderRecord, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	sql, args := listQuery(query)
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("order journal: list: %w", err)
	}
	return collect(rows)
}

func listQuery(query orderstore.OrderQuery) (string, []any) {
	builder := strings.Builder{}
	builder.WriteString(recordSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1
	if trimmed := strings.TrimSpace(query.StrategyID); trimmed != "" {
		fmt.Fprintf(&builder, " AND strategy_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if len(query.States) > 0 {
		states := make([]string, 0, len(query.States))
		for _, s := range query.States {
			states = append(states, string(s))
		}
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	if !query.Since.IsZero() {
		fmt.Fprintf(&builder, " AND updated_at >= $%d", argPos)
		args = append(args, query.Since)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY updated_at DESC LIMIT $%d", argPos)
	args = append(args, clampLimit(query.Limit, defaultListLimit, maxListLimit))
	return builder.String(), args
}

func collect(rows pgx.Rows) ([]orderstore.OrderRecord, error) {
	defer rows.Close()
	out := make([]orderstore.OrderRecord, 0)
	for rows.Next() {
		var (
			version int64
			raw     []byte
		)
		if err := rows.Scan(&version, &raw); err != nil {
			return nil, fmt.Errorf("order journal: scan: %w", err)
		}
		var record orderstore.OrderRecord
		if err := json.Unmarshal(raw, &record.OrderSnapshot); err != nil {
			return nil, fmt.Errorf("order journal: decode snapshot: %w", err)
		}
		record.Version = version
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order journal: rows: %w", err)
	}
	return out, nil
}

func clampLimit(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// Close implements orderstore.Journal.
func (j *Journal) Close() error {
	if j.owned && j.pool != nil {
		j.pool.Close()
	}
	return nil
}
