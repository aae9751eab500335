package database

import (
	"context"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/resilience"
)

// PoolManager guards a pgx connection pool with a circuit breaker. While the
// breaker is open every call fails fast with ErrCircuitOpen instead of
// queueing on a dependency that is known to be unhealthy. Only
// dependency-level failures (dropped connections, postgres shutting down,
// exhausted server resources) count towards opening the breaker; errors
// caused by the statements themselves do not.
type PoolManager struct {
	pool    *pgxpool.Pool
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

func NewPoolManager(pool *pgxpool.Pool, breaker *resilience.CircuitBreaker) *PoolManager {
	return &PoolManager{
		pool:    pool,
		breaker: breaker,
		metrics: metrics.Get(),
	}
}

// Pool exposes the underlying pool for startup-time work such as migrations.
func (m *PoolManager) Pool() *pgxpool.Pool {
	return m.pool
}

func (m *PoolManager) BreakerState() resilience.BreakerState {
	return m.breaker.State()
}

func (m *PoolManager) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if err := m.breaker.Allow(); err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := m.pool.Exec(ctx, sql, args...)
	m.metrics.ObserveDBRequest("exec", time.Since(start))
	m.record(err)
	return tag, errors.WithStack(err)
}

func (m *PoolManager) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if err := m.breaker.Allow(); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := m.pool.Query(ctx, sql, args...)
	m.metrics.ObserveDBRequest("query", time.Since(start))
	m.record(err)
	return rows, errors.WithStack(err)
}

// QueryRow mirrors pgxpool.Pool.QueryRow. Errors surface from Scan, so the
// breaker outcome is recorded there.
func (m *PoolManager) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if err := m.breaker.Allow(); err != nil {
		return errRow{err: err}
	}
	return observedRow{inner: m.pool.QueryRow(ctx, sql, args...), manager: m, start: time.Now()}
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...interface{}) error {
	return r.err
}

type observedRow struct {
	inner   pgx.Row
	manager *PoolManager
	start   time.Time
}

func (r observedRow) Scan(dest ...interface{}) error {
	err := r.inner.Scan(dest...)
	r.manager.metrics.ObserveDBRequest("query_row", time.Since(r.start))
	r.manager.record(err)
	return errors.WithStack(err)
}

// BeginTxFunc runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise.
func (m *PoolManager) BeginTxFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := m.breaker.Allow(); err != nil {
		return err
	}
	start := time.Now()
	err := pgx.BeginTxFunc(ctx, m.pool, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, fn)
	m.metrics.ObserveDBRequest("begin_tx", time.Since(start))
	m.record(err)
	return err
}

// Check implements health.Checker. It pings the database directly; breaker
// state is reported separately so that a probe does not consume the
// half-open slot.
func (m *PoolManager) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.pool.Ping(ctx)
}

// RunPeriodicStats publishes pool usage gauges until ctx is cancelled.
func (m *PoolManager) RunPeriodicStats(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := m.pool.Stat()
			m.metrics.RecordPoolConnections(stats.AcquiredConns(), stats.IdleConns(), stats.MaxConns())
		}
	}
}

func (m *PoolManager) Close() {
	m.pool.Close()
}

func (m *PoolManager) record(err error) {
	if err == nil {
		m.breaker.RecordSuccess()
		return
	}
	if isDependencyFailure(err) {
		m.breaker.RecordFailure()
	} else {
		m.breaker.RecordSuccess()
	}
}

// isDependencyFailure reports whether err indicates that postgres itself is
// unhealthy, as opposed to a statement-level failure such as a constraint
// violation.
func isDependencyFailure(err error) bool {
	if ingesterrors.IsNetworkError(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgerrcode.IsConnectionException(pgErr.Code) ||
		pgerrcode.IsOperatorIntervention(pgErr.Code) ||
		pgerrcode.IsInsufficientResources(pgErr.Code)
}
