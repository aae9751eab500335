// Package jobdb persists upload jobs, their chunks and their row errors in
// postgres. It is the storage half of the orchestrator: every status
// transition a worker makes goes through here, and the terminal status of a
// job is derived inside a single transaction when its last chunk finishes.
package jobdb

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
)

const (
	jobColumns   = "job_id, file_name, file_size, staged_path, declared_row_count, status, processed_rows, failed_rows, duplicate_rows, chunk_size, chunk_count, cancel_requested, created_at, started_at, completed_at"
	chunkColumns = "job_id, chunk_index, first_row, last_row, status, attempts, processed_rows, failed_rows, duplicate_rows, last_error, updated_at"
)

var (
	jobTerminalStatuses   = statusList(model.JobCompleted, model.JobPartiallyCompleted, model.JobFailed, model.JobCancelled)
	chunkTerminalStatuses = statusList(model.ChunkCompleted, model.ChunkFailed, model.ChunkDeadLettered, model.ChunkCancelled)
)

// ChunkResult is the terminal outcome of one chunk processing attempt.
type ChunkResult struct {
	JobId         string
	ChunkIndex    int
	Status        model.ChunkStatus
	ProcessedRows int64
	FailedRows    int64
	DuplicateRows int64
	LastError     string
	// Problems found while processing the chunk. They are stored in the same
	// transaction as the status change, so a redelivered chunk that is
	// already terminal cannot insert them twice.
	Errors []*model.ProcessingError
}

type JobStore interface {
	// InsertJobWithChunks persists a new job and all its chunk rows in one
	// transaction.
	InsertJobWithChunks(ctx context.Context, job *model.UploadJob, chunks []*model.Chunk) error
	GetJob(ctx context.Context, jobId string) (*model.UploadJob, error)
	GetChunk(ctx context.Context, jobId string, chunkIndex int) (*model.Chunk, error)
	ListChunks(ctx context.Context, jobId string) ([]*model.Chunk, error)
	// MarkJobProcessing moves a pending job to processing and stamps StartedAt.
	// It is a no-op if the job has already left pending.
	MarkJobProcessing(ctx context.Context, jobId string) error
	// MarkChunkProcessing moves a chunk to processing and increments its
	// attempt counter, returning the new attempt number. Returns
	// ErrAlreadyExists if the chunk is already terminal.
	MarkChunkProcessing(ctx context.Context, jobId string, chunkIndex int) (int, error)
	// CompleteChunk records the terminal outcome of a chunk: status, counters
	// and error records go in one transaction, folds the counters into the
	// job row and, if this was the last outstanding chunk, derives and sets
	// the job's terminal status. It returns the job row as of after the
	// update and the number of chunks still outstanding; zero outstanding
	// means this call finished the job. Returns ErrAlreadyExists if the
	// chunk was already terminal; in that case nothing is changed.
	CompleteChunk(ctx context.Context, result *ChunkResult) (*model.UploadJob, int, error)
	// RequestCancel flags the job for cooperative cancellation. Returns
	// ErrNotFound for unknown jobs and ErrAlreadyExists for terminal ones.
	RequestCancel(ctx context.Context, jobId string) error
	// ListErrors returns the job's row errors ordered by row number. Pass an
	// empty severity to list all of them.
	ListErrors(ctx context.Context, jobId string, severity model.ErrorSeverity, limit, offset int) ([]*model.ProcessingError, error)
	CountErrors(ctx context.Context, jobId string) (int64, error)
	// OutstandingChunks returns the job's chunks that are not yet terminal.
	OutstandingChunks(ctx context.Context, jobId string) ([]*model.Chunk, error)
}

// PostgresJobStore is an implementation of JobStore that stores its state in
// postgres behind a circuit-breaker guarded pool.
type PostgresJobStore struct {
	db *database.PoolManager
}

func NewJobStore(db *database.PoolManager) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (s *PostgresJobStore) InsertJobWithChunks(ctx context.Context, job *model.UploadJob, chunks []*model.Chunk) error {
	return s.db.BeginTxFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO ingest_jobs (job_id, file_name, file_size, staged_path, declared_row_count, status, chunk_size, chunk_count, started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			job.JobId, job.FileName, job.FileSize, job.StagedPath, job.DeclaredRowCount,
			job.Status, job.ChunkSize, job.ChunkCount, job.StartedAt, job.CompletedAt)
		if err != nil {
			return errors.WithStack(err)
		}
		if len(chunks) == 0 {
			return nil
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"ingest_chunks"},
			[]string{"job_id", "chunk_index", "first_row", "last_row", "status"},
			pgx.CopyFromSlice(len(chunks), func(i int) ([]interface{}, error) {
				c := chunks[i]
				return []interface{}{c.JobId, c.ChunkIndex, c.FirstRow, c.LastRow, c.Status}, nil
			}))
		return errors.WithStack(err)
	})
}

func (s *PostgresJobStore) GetJob(ctx context.Context, jobId string) (*model.UploadJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE job_id = $1`, jobId)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ingesterrors.ErrNotFound{Type: "job", Value: jobId}
	}
	return job, err
}

func (s *PostgresJobStore) GetChunk(ctx context.Context, jobId string, chunkIndex int) (*model.Chunk, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM ingest_chunks WHERE job_id = $1 AND chunk_index = $2`,
		jobId, chunkIndex)
	chunk, err := scanChunk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ingesterrors.ErrNotFound{Type: "chunk", Value: chunkId(jobId, chunkIndex)}
	}
	return chunk, err
}

func (s *PostgresJobStore) ListChunks(ctx context.Context, jobId string) ([]*model.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM ingest_chunks WHERE job_id = $1 ORDER BY chunk_index`, jobId)
}

func (s *PostgresJobStore) OutstandingChunks(ctx context.Context, jobId string) ([]*model.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM ingest_chunks WHERE job_id = $1 AND status NOT IN `+chunkTerminalStatuses+` ORDER BY chunk_index`, jobId)
}

func (s *PostgresJobStore) MarkJobProcessing(ctx context.Context, jobId string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE ingest_jobs SET status = $2, started_at = now() WHERE job_id = $1 AND status = $3`,
		jobId, model.JobProcessing, model.JobPending)
	return err
}

func (s *PostgresJobStore) MarkChunkProcessing(ctx context.Context, jobId string, chunkIndex int) (int, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE ingest_chunks
		 SET status = $3, attempts = attempts + 1, updated_at = now()
		 WHERE job_id = $1 AND chunk_index = $2 AND status NOT IN `+chunkTerminalStatuses+`
		 RETURNING attempts`,
		jobId, chunkIndex, model.ChunkProcessing)
	var attempts int
	err := row.Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &ingesterrors.ErrAlreadyExists{
			Type:    "chunk",
			Value:   chunkId(jobId, chunkIndex),
			Message: "chunk is already terminal",
		}
	}
	return attempts, err
}

func (s *PostgresJobStore) CompleteChunk(ctx context.Context, result *ChunkResult) (*model.UploadJob, int, error) {
	var job *model.UploadJob
	outstanding := 0
	err := s.db.BeginTxFunc(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE ingest_chunks
			 SET status = $3, processed_rows = $4, failed_rows = $5, duplicate_rows = $6, last_error = $7, updated_at = now()
			 WHERE job_id = $1 AND chunk_index = $2 AND status NOT IN `+chunkTerminalStatuses,
			result.JobId, result.ChunkIndex, result.Status,
			result.ProcessedRows, result.FailedRows, result.DuplicateRows, result.LastError)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return errChunkAlreadyTerminal
		}

		if err := insertErrors(ctx, tx, result.Errors); err != nil {
			return err
		}

		// The job row update takes the row lock, serialising concurrent
		// CompleteChunk transactions for the same job. Whichever transaction
		// acquires it last sees every previously committed chunk update, so
		// exactly one caller observes zero outstanding chunks.
		_, err = tx.Exec(ctx,
			`UPDATE ingest_jobs
			 SET processed_rows = processed_rows + $2, failed_rows = failed_rows + $3, duplicate_rows = duplicate_rows + $4
			 WHERE job_id = $1`,
			result.JobId, result.ProcessedRows, result.FailedRows, result.DuplicateRows)
		if err != nil {
			return errors.WithStack(err)
		}

		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM ingest_chunks WHERE job_id = $1 AND status NOT IN `+chunkTerminalStatuses,
			result.JobId).Scan(&outstanding)
		if err != nil {
			return errors.WithStack(err)
		}
		if outstanding == 0 {
			job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE job_id = $1`, result.JobId))
			if err != nil {
				return err
			}
			terminal := deriveJobStatus(job)
			err = tx.QueryRow(ctx,
				`UPDATE ingest_jobs SET status = $2, completed_at = now() WHERE job_id = $1 AND status NOT IN `+jobTerminalStatuses+` RETURNING completed_at`,
				result.JobId, terminal).Scan(&job.CompletedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				// Already finalised by an earlier call; keep the row as read.
				return nil
			}
			if err != nil {
				return errors.WithStack(err)
			}
			job.Status = terminal
		}
		return nil
	})
	if errors.Is(err, errChunkAlreadyTerminal) {
		return nil, 0, &ingesterrors.ErrAlreadyExists{
			Type:    "chunk",
			Value:   chunkId(result.JobId, result.ChunkIndex),
			Message: "chunk is already terminal",
		}
	}
	if err != nil {
		return nil, 0, err
	}
	if job == nil {
		job, err = s.GetJob(ctx, result.JobId)
		if err != nil {
			return nil, 0, err
		}
	}
	return job, outstanding, nil
}

var errChunkAlreadyTerminal = errors.New("chunk is already terminal")

// deriveJobStatus decides the terminal status of a job once all its chunks
// are terminal. Cancellation wins over everything else; chunks that were
// skipped because of it leave their rows unaccounted, which is expected.
func deriveJobStatus(job *model.UploadJob) model.JobStatus {
	switch {
	case job.CancelRequested:
		return model.JobCancelled
	case job.FailedRows == 0:
		return model.JobCompleted
	case job.ProcessedRows == 0:
		return model.JobFailed
	default:
		return model.JobPartiallyCompleted
	}
}

func (s *PostgresJobStore) RequestCancel(ctx context.Context, jobId string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE ingest_jobs SET cancel_requested = true WHERE job_id = $1 AND status NOT IN `+jobTerminalStatuses,
		jobId)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either the job does not exist or it is already terminal.
	job, err := s.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	return &ingesterrors.ErrAlreadyExists{
		Type:    "job",
		Value:   jobId,
		Message: "job is already " + string(job.Status),
	}
}

func insertErrors(ctx context.Context, tx pgx.Tx, processingErrors []*model.ProcessingError) error {
	if len(processingErrors) == 0 {
		return nil
	}
	n := len(processingErrors)
	jobIds := make([]string, n)
	chunkIndexes := make([]int32, n)
	rowNumbers := make([]int64, n)
	columns := make([]string, n)
	severities := make([]string, n)
	messages := make([]string, n)
	rawData := make([]string, n)
	for i, e := range processingErrors {
		jobIds[i] = e.JobId
		chunkIndexes[i] = int32(e.ChunkIndex)
		rowNumbers[i] = e.RowNumber
		columns[i] = e.Column
		severities[i] = string(e.Severity)
		messages[i] = e.Message
		rawData[i] = e.RawData
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ingest_errors (job_id, chunk_index, row_number, column_name, severity, message, raw_data)
		 SELECT * FROM unnest($1::text[], $2::int[], $3::bigint[], $4::text[], $5::text[], $6::text[], $7::text[])`,
		jobIds, chunkIndexes, rowNumbers, columns, severities, messages, rawData)
	return errors.WithStack(err)
}

func (s *PostgresJobStore) ListErrors(ctx context.Context, jobId string, severity model.ErrorSeverity, limit, offset int) ([]*model.ProcessingError, error) {
	query := `SELECT job_id, chunk_index, row_number, column_name, severity, message, raw_data, created_at
		 FROM ingest_errors WHERE job_id = $1`
	args := []interface{}{jobId}
	if severity != "" {
		query += ` AND severity = $2`
		args = append(args, string(severity))
	}
	query += ` ORDER BY row_number, id`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*model.ProcessingError
	for rows.Next() {
		e := &model.ProcessingError{}
		err := rows.Scan(&e.JobId, &e.ChunkIndex, &e.RowNumber, &e.Column, &e.Severity, &e.Message, &e.RawData, &e.CreatedAt)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, e)
	}
	return result, errors.WithStack(rows.Err())
}

func (s *PostgresJobStore) CountErrors(ctx context.Context, jobId string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM ingest_errors WHERE job_id = $1`, jobId).Scan(&count)
	return count, err
}

func (s *PostgresJobStore) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*model.Chunk, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []*model.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, errors.WithStack(rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.UploadJob, error) {
	job := &model.UploadJob{}
	err := row.Scan(
		&job.JobId, &job.FileName, &job.FileSize, &job.StagedPath, &job.DeclaredRowCount,
		&job.Status, &job.ProcessedRows, &job.FailedRows, &job.DuplicateRows,
		&job.ChunkSize, &job.ChunkCount, &job.CancelRequested,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return job, nil
}

func scanChunk(row rowScanner) (*model.Chunk, error) {
	chunk := &model.Chunk{}
	err := row.Scan(
		&chunk.JobId, &chunk.ChunkIndex, &chunk.FirstRow, &chunk.LastRow,
		&chunk.Status, &chunk.Attempts, &chunk.ProcessedRows, &chunk.FailedRows,
		&chunk.DuplicateRows, &chunk.LastError, &chunk.UpdatedAt)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return chunk, nil
}

func statusList[T ~string](statuses ...T) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func chunkId(jobId string, chunkIndex int) string {
	return jobId + "/" + strconv.Itoa(chunkIndex)
}
