package model

import (
	"time"
)

type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobProcessing         JobStatus = "processing"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
	JobCancelled          JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status may never change status again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type ChunkStatus string

const (
	ChunkQueued       ChunkStatus = "queued"
	ChunkProcessing   ChunkStatus = "processing"
	ChunkCompleted    ChunkStatus = "completed"
	ChunkFailed       ChunkStatus = "failed"
	ChunkDeadLettered ChunkStatus = "dead_lettered"
	ChunkCancelled    ChunkStatus = "cancelled"
)

func (s ChunkStatus) IsTerminal() bool {
	switch s {
	case ChunkCompleted, ChunkFailed, ChunkDeadLettered, ChunkCancelled:
		return true
	}
	return false
}

type ErrorSeverity string

const (
	// The row failed validation and was never sent to the database
	SeverityValidation ErrorSeverity = "validation"
	// The row was skipped because an identical row had been ingested before
	SeverityDuplicateConflict ErrorSeverity = "duplicate_conflict"
	// The row was lost because its chunk exhausted all database attempts
	SeverityDatabase ErrorSeverity = "database"
	// The database rejected this specific row
	SeverityFatal ErrorSeverity = "fatal"
)

// UploadJob is one row of the ingest_jobs table: a single uploaded CSV file
// and the aggregate state of its ingestion.
type UploadJob struct {
	JobId            string
	FileName         string
	FileSize         int64
	StagedPath       string
	DeclaredRowCount int64
	Status           JobStatus
	ProcessedRows    int64
	FailedRows       int64
	DuplicateRows    int64
	ChunkSize        int
	ChunkCount       int
	CancelRequested  bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Chunk is one row of the ingest_chunks table: a contiguous range of data
// rows processed as a unit. FirstRow and LastRow are 1-based data row
// ordinals (the header row does not count) and both ends are inclusive.
type Chunk struct {
	JobId         string
	ChunkIndex    int
	FirstRow      int64
	LastRow       int64
	Status        ChunkStatus
	Attempts      int
	ProcessedRows int64
	FailedRows    int64
	DuplicateRows int64
	LastError     string
	UpdatedAt     time.Time
}

// RowCount returns the number of data rows the chunk spans.
func (c *Chunk) RowCount() int64 {
	return c.LastRow - c.FirstRow + 1
}

// ProcessingError records why a row (or a whole chunk, RowNumber 0) was not
// ingested cleanly. Every dropped row has exactly one ProcessingError.
type ProcessingError struct {
	JobId      string
	ChunkIndex int
	RowNumber  int64
	Column     string
	Severity   ErrorSeverity
	Message    string
	RawData    string
	CreatedAt  time.Time
}

// InvoiceRow is a parsed and validated CSV data row.
type InvoiceRow struct {
	// 1-based data row ordinal within the file
	RowNumber    int64
	InvoiceId    string
	InvoiceDate  string // normalized to YYYY-MM-DD
	CustomerName string
	ItemName     string
	Quantity     float64
	UnitPrice    float64
	Total        float64
}

// ChunkRange is the piece of the row space assigned to one chunk; both ends
// are inclusive.
type ChunkRange struct {
	FirstRow int64
	LastRow  int64
}

// ChunkRanges partitions the 1-based row ordinals [1, declaredRowCount] into
// consecutive ranges of at most chunkSize rows. The ranges never overlap and
// their union covers every row exactly once.
func ChunkRanges(declaredRowCount int64, chunkSize int) []ChunkRange {
	if declaredRowCount <= 0 || chunkSize <= 0 {
		return nil
	}
	size := int64(chunkSize)
	n := (declaredRowCount + size - 1) / size
	ranges := make([]ChunkRange, n)
	for i := int64(0); i < n; i++ {
		first := i*size + 1
		last := first + size - 1
		if last > declaredRowCount {
			last = declaredRowCount
		}
		ranges[i] = ChunkRange{FirstRow: first, LastRow: last}
	}
	return ranges
}
