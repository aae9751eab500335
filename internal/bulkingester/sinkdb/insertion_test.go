package sinkdb

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/dedup"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/schema"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/resilience"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(errors.New("foo")))
	assert.False(t, isRetryable(&pgconn.PgError{Code: pgerrcode.NumericValueOutOfRange}))
	assert.True(t, isRetryable(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.True(t, isRetryable(&ingesterrors.ErrCircuitOpen{Dependency: "postgres"}))
	assert.True(t, isRetryable(errors.WithMessage(&ingesterrors.ErrCircuitOpen{Dependency: "postgres"}, "writing chunk")))
}

func TestWithDatabaseRetry_NonRetryableReturnsImmediately(t *testing.T) {
	s := &SinkDb{metrics: metrics.Get()}
	calls := 0
	err := s.withDatabaseRetry(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.CheckViolation}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithDatabaseRetry_StopsWhenContextCancelled(t *testing.T) {
	s := &SinkDb{metrics: metrics.Get()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := s.withDatabaseRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// The tests below need a real postgres instance and skip themselves unless
// one is configured.

func withSinkDb(t *testing.T, action func(s *SinkDb, pool *pgxpool.Pool)) {
	t.Helper()
	if database.TestDatabaseDsn() == "" {
		t.Skipf("no test database configured; set %s", database.TestDsnEnvVar)
	}

	migrations, err := schema.Migrations()
	require.NoError(t, err)

	err = database.WithTestDb(migrations, func(pool *pgxpool.Pool) error {
		breaker := resilience.NewCircuitBreaker("postgres", configuration.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		}, clocktesting.NewFakeClock(time.Now()), nil)
		manager := database.NewPoolManager(pool, breaker)
		action(NewSinkDb(manager, dedup.NewDeduplicator(manager), metrics.Get()), pool)
		return nil
	})
	require.NoError(t, err)
}

func invoiceRow(rowNumber int64, invoiceId, itemName string, quantity float64) *model.InvoiceRow {
	return &model.InvoiceRow{
		RowNumber:    rowNumber,
		InvoiceId:    invoiceId,
		InvoiceDate:  "2024-05-13",
		CustomerName: "Ram Store",
		ItemName:     itemName,
		Quantity:     quantity,
		UnitPrice:    10,
		Total:        quantity * 10,
	}
}

func countItems(t *testing.T, pool *pgxpool.Pool) int {
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT count(*) FROM invoice_items").Scan(&n))
	return n
}

func TestWriteChunk_InsertsAndDeduplicates(t *testing.T) {
	withSinkDb(t, func(s *SinkDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		rows := []*model.InvoiceRow{
			invoiceRow(1, "INV-1", "Soap", 2),
			invoiceRow(2, "INV-1", "Oil", 1),
			invoiceRow(3, "INV-2", "Soap", 5),
		}

		result, err := s.WriteChunk(ctx, "job-1", rows)
		require.NoError(t, err)
		assert.Len(t, result.Inserted, 3)
		assert.Empty(t, result.Duplicates)
		assert.Empty(t, result.Failed)
		assert.Equal(t, 3, countItems(t, pool))

		// The same rows again: everything is a duplicate, nothing is written.
		result, err = s.WriteChunk(ctx, "job-2", rows)
		require.NoError(t, err)
		assert.Empty(t, result.Inserted)
		assert.Len(t, result.Duplicates, 3)
		assert.Equal(t, 3, countItems(t, pool))
	})
}

func TestWriteChunk_BusinessKeyConflictIsSkipped(t *testing.T) {
	withSinkDb(t, func(s *SinkDb, pool *pgxpool.Pool) {
		ctx := context.Background()

		_, err := s.WriteChunk(ctx, "job-1", []*model.InvoiceRow{invoiceRow(1, "INV-1", "Soap", 2)})
		require.NoError(t, err)

		// Same business key, different quantity: a new content hash, but the
		// sink already holds the row.
		result, err := s.WriteChunk(ctx, "job-2", []*model.InvoiceRow{invoiceRow(1, "INV-1", "Soap", 7)})
		require.NoError(t, err)
		assert.Empty(t, result.Inserted)
		assert.Len(t, result.ConflictSkipped, 1)
		assert.Equal(t, 1, countItems(t, pool))
	})
}

func TestWriteChunk_PoisonRowDoesNotSinkChunk(t *testing.T) {
	withSinkDb(t, func(s *SinkDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		poison := invoiceRow(2, "INV-2", "Soap", 1e12) // overflows numeric(12,2)
		rows := []*model.InvoiceRow{
			invoiceRow(1, "INV-1", "Soap", 2),
			poison,
			invoiceRow(3, "INV-3", "Soap", 5),
		}

		result, err := s.WriteChunk(ctx, "job-1", rows)
		require.NoError(t, err)
		assert.Len(t, result.Inserted, 2)
		require.Len(t, result.Failed, 1)
		assert.Equal(t, poison, result.Failed[0].Row)
		assert.Equal(t, 2, countItems(t, pool))

		// The failed row's hash must not linger in the dedup table. Submitting
		// the identical row again must surface the failure again rather than
		// silently dropping it as a duplicate.
		result, err = s.WriteChunk(ctx, "job-2", []*model.InvoiceRow{poison})
		require.NoError(t, err)
		assert.Empty(t, result.Duplicates)
		assert.Len(t, result.Failed, 1)
	})
}

func TestWriteChunk_InChunkDuplicates(t *testing.T) {
	withSinkDb(t, func(s *SinkDb, pool *pgxpool.Pool) {
		ctx := context.Background()
		first := invoiceRow(1, "INV-1", "Soap", 2)
		repeat := invoiceRow(9, "INV-1", "Soap", 2)

		result, err := s.WriteChunk(ctx, "job-1", []*model.InvoiceRow{first, repeat})
		require.NoError(t, err)
		assert.Equal(t, []*model.InvoiceRow{first}, result.Inserted)
		assert.Equal(t, []*model.InvoiceRow{repeat}, result.Duplicates)
		assert.Equal(t, 1, countItems(t, pool))
	})
}
