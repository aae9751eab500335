package jobdb

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/schema"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/resilience"
)

func TestDeriveJobStatus(t *testing.T) {
	tests := map[string]struct {
		job      model.UploadJob
		expected model.JobStatus
	}{
		"all rows processed": {
			job:      model.UploadJob{DeclaredRowCount: 100, ProcessedRows: 100},
			expected: model.JobCompleted,
		},
		"some rows failed": {
			job:      model.UploadJob{DeclaredRowCount: 100, ProcessedRows: 98, FailedRows: 2},
			expected: model.JobPartiallyCompleted,
		},
		"all rows failed": {
			job:      model.UploadJob{DeclaredRowCount: 100, FailedRows: 100},
			expected: model.JobFailed,
		},
		"cancel wins over clean counters": {
			job:      model.UploadJob{DeclaredRowCount: 100, ProcessedRows: 50, CancelRequested: true},
			expected: model.JobCancelled,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			job := tc.job
			assert.Equal(t, tc.expected, deriveJobStatus(&job))
		})
	}
}

func TestStatusList(t *testing.T) {
	assert.Equal(t, "('completed', 'failed')", statusList(model.ChunkCompleted, model.ChunkFailed))
}

// The tests below need a real postgres instance and skip themselves unless
// one is configured.

func withJobStore(t *testing.T, action func(s *PostgresJobStore)) {
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
		action(NewJobStore(database.NewPoolManager(pool, breaker)))
		return nil
	})
	require.NoError(t, err)
}

func makeJob(jobId string, declaredRowCount int64, chunkSize int) (*model.UploadJob, []*model.Chunk) {
	ranges := model.ChunkRanges(declaredRowCount, chunkSize)
	job := &model.UploadJob{
		JobId:            jobId,
		FileName:         "invoices.csv",
		FileSize:         1 << 20,
		StagedPath:       "/var/staging/" + jobId + ".csv",
		DeclaredRowCount: declaredRowCount,
		Status:           model.JobPending,
		ChunkSize:        chunkSize,
		ChunkCount:       len(ranges),
	}
	chunks := make([]*model.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = &model.Chunk{
			JobId:      jobId,
			ChunkIndex: i,
			FirstRow:   r.FirstRow,
			LastRow:    r.LastRow,
			Status:     model.ChunkQueued,
		}
	}
	return job, chunks
}

func insertJob(t *testing.T, s *PostgresJobStore, jobId string, declaredRowCount int64, chunkSize int) (*model.UploadJob, []*model.Chunk) {
	job, chunks := makeJob(jobId, declaredRowCount, chunkSize)
	require.NoError(t, s.InsertJobWithChunks(context.Background(), job, chunks))
	return job, chunks
}

func TestInsertAndGetJob(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		inserted, _ := insertJob(t, s, "job-1", 1050, 500)

		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, inserted.JobId, job.JobId)
		assert.Equal(t, inserted.DeclaredRowCount, job.DeclaredRowCount)
		assert.Equal(t, model.JobPending, job.Status)
		assert.Equal(t, 3, job.ChunkCount)
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)

		chunks, err := s.ListChunks(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Equal(t, int64(1), chunks[0].FirstRow)
		assert.Equal(t, int64(500), chunks[0].LastRow)
		assert.Equal(t, int64(1001), chunks[2].FirstRow)
		assert.Equal(t, int64(1050), chunks[2].LastRow)

		var notFound *ingesterrors.ErrNotFound
		_, err = s.GetJob(ctx, "no-such-job")
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestMarkJobProcessing(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 10, 500)

		require.NoError(t, s.MarkJobProcessing(ctx, "job-1"))
		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobProcessing, job.Status)
		require.NotNil(t, job.StartedAt)
		started := *job.StartedAt

		// Marking again must not move StartedAt.
		require.NoError(t, s.MarkJobProcessing(ctx, "job-1"))
		job, err = s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, started, *job.StartedAt)
	})
}

func TestMarkChunkProcessing(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 10, 500)

		attempts, err := s.MarkChunkProcessing(ctx, "job-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)

		attempts, err = s.MarkChunkProcessing(ctx, "job-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)

		_, _, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted, ProcessedRows: 10,
		})
		require.NoError(t, err)

		var alreadyExists *ingesterrors.ErrAlreadyExists
		_, err = s.MarkChunkProcessing(ctx, "job-1", 0)
		assert.ErrorAs(t, err, &alreadyExists)
	})
}

func TestCompleteChunk_FoldsCountersAndFinishesJob(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 100, 50)

		job, outstanding, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted,
			ProcessedRows: 50, DuplicateRows: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, outstanding)
		assert.Equal(t, int64(50), job.ProcessedRows)
		assert.Equal(t, int64(3), job.DuplicateRows)
		assert.False(t, job.Status.IsTerminal())

		job, outstanding, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 1, Status: model.ChunkCompleted,
			ProcessedRows: 48, FailedRows: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, outstanding)
		assert.Equal(t, model.JobPartiallyCompleted, job.Status)
		assert.Equal(t, int64(98), job.ProcessedRows)
		assert.Equal(t, int64(2), job.FailedRows)
		require.NotNil(t, job.CompletedAt)

		// Completing the same chunk again must change nothing.
		var alreadyExists *ingesterrors.ErrAlreadyExists
		_, _, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 1, Status: model.ChunkCompleted, ProcessedRows: 48,
		})
		assert.ErrorAs(t, err, &alreadyExists)
		job, err = s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, int64(98), job.ProcessedRows)
	})
}

func TestCompleteChunk_AllRowsFailedMeansJobFailed(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 10, 500)

		job, outstanding, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkDeadLettered,
			FailedRows: 10, LastError: "connection refused",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, outstanding)
		assert.Equal(t, model.JobFailed, job.Status)

		chunk, err := s.GetChunk(ctx, "job-1", 0)
		require.NoError(t, err)
		assert.Equal(t, model.ChunkDeadLettered, chunk.Status)
		assert.Equal(t, "connection refused", chunk.LastError)
	})
}

func TestCompleteChunk_CancelledJob(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 100, 50)

		_, _, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted, ProcessedRows: 50,
		})
		require.NoError(t, err)
		require.NoError(t, s.RequestCancel(ctx, "job-1"))

		job, outstanding, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 1, Status: model.ChunkCancelled,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, outstanding)
		assert.Equal(t, model.JobCancelled, job.Status)
		assert.Equal(t, int64(50), job.ProcessedRows)
	})
}

func TestRequestCancel(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()

		var notFound *ingesterrors.ErrNotFound
		err := s.RequestCancel(ctx, "no-such-job")
		assert.ErrorAs(t, err, &notFound)

		insertJob(t, s, "job-1", 10, 500)
		require.NoError(t, s.RequestCancel(ctx, "job-1"))
		require.NoError(t, s.RequestCancel(ctx, "job-1")) // idempotent
		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, job.CancelRequested)

		_, _, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCancelled,
		})
		require.NoError(t, err)

		var alreadyExists *ingesterrors.ErrAlreadyExists
		err = s.RequestCancel(ctx, "job-1")
		assert.ErrorAs(t, err, &alreadyExists)
	})
}

func TestCompleteChunk_StoresAndListsErrors(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 100, 50)

		_, _, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted,
			ProcessedRows: 48, FailedRows: 1, DuplicateRows: 1,
			Errors: []*model.ProcessingError{
				{JobId: "job-1", ChunkIndex: 0, RowNumber: 37, Column: "Quantity", Severity: model.SeverityValidation, Message: "not a number", RawData: "INV-1,abc"},
				{JobId: "job-1", ChunkIndex: 0, RowNumber: 12, Severity: model.SeverityDuplicateConflict, Message: "row already present with different content"},
			},
		})
		require.NoError(t, err)
		_, _, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 1, Status: model.ChunkCompleted,
			ProcessedRows: 49, FailedRows: 1,
			Errors: []*model.ProcessingError{
				{JobId: "job-1", ChunkIndex: 1, RowNumber: 82, Severity: model.SeverityFatal, Message: "value out of range"},
			},
		})
		require.NoError(t, err)

		all, err := s.ListErrors(ctx, "job-1", "", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Ordered by row number regardless of insert order.
		assert.Equal(t, int64(12), all[0].RowNumber)
		assert.Equal(t, int64(37), all[1].RowNumber)
		assert.Equal(t, int64(82), all[2].RowNumber)
		assert.Equal(t, "Quantity", all[1].Column)

		validationOnly, err := s.ListErrors(ctx, "job-1", model.SeverityValidation, 0, 0)
		require.NoError(t, err)
		require.Len(t, validationOnly, 1)
		assert.Equal(t, int64(37), validationOnly[0].RowNumber)

		paged, err := s.ListErrors(ctx, "job-1", "", 1, 1)
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, int64(37), paged[0].RowNumber)

		count, err := s.CountErrors(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})
}

func TestCompleteChunk_TerminalChunkInsertsNoErrors(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 10, 500)

		_, _, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted, ProcessedRows: 10,
		})
		require.NoError(t, err)

		// A redelivered chunk completing again must not add error records.
		var alreadyExists *ingesterrors.ErrAlreadyExists
		_, _, err = s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 0, Status: model.ChunkCompleted, ProcessedRows: 8, FailedRows: 2,
			Errors: []*model.ProcessingError{
				{JobId: "job-1", ChunkIndex: 0, RowNumber: 3, Severity: model.SeverityValidation, Message: "bad date"},
			},
		})
		assert.ErrorAs(t, err, &alreadyExists)

		count, err := s.CountErrors(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestOutstandingChunks(t *testing.T) {
	withJobStore(t, func(s *PostgresJobStore) {
		ctx := context.Background()
		insertJob(t, s, "job-1", 1050, 500)

		_, _, err := s.CompleteChunk(ctx, &ChunkResult{
			JobId: "job-1", ChunkIndex: 1, Status: model.ChunkCompleted, ProcessedRows: 500,
		})
		require.NoError(t, err)

		outstanding, err := s.OutstandingChunks(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, outstanding, 2)
		assert.Equal(t, 0, outstanding[0].ChunkIndex)
		assert.Equal(t, 2, outstanding[1].ChunkIndex)
	})
}
