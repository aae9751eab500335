// Package progress tracks per-job ingestion progress and fans it out to
// websocket subscribers. Pull endpoints read snapshots from the Tracker;
// push subscribers get the current snapshot on connect followed by throttled
// updates until the job is terminal.
package progress

import (
	"math"
	"time"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
)

// Snapshot is the externally visible progress of one upload job.
type Snapshot struct {
	JobId            string          `json:"job_id"`
	Status           model.JobStatus `json:"status"`
	DeclaredRowCount int64           `json:"declared_row_count"`
	ProcessedRows    int64           `json:"processed_rows"`
	FailedRows       int64           `json:"failed_rows"`
	DuplicateRows    int64           `json:"duplicate_rows"`
	PercentComplete  float64         `json:"percent_complete"`
	ChunksCompleted  int             `json:"chunks_completed"`
	ChunkCount       int             `json:"chunk_count"`
	ErrorCount       int64           `json:"error_count"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// FromJob derives a snapshot from a job row. Rows that failed still count
// towards progress; a job is 100% complete once every row has been either
// ingested or rejected.
func FromJob(job *model.UploadJob, chunksCompleted int, errorCount int64) *Snapshot {
	return &Snapshot{
		JobId:            job.JobId,
		Status:           job.Status,
		DeclaredRowCount: job.DeclaredRowCount,
		ProcessedRows:    job.ProcessedRows,
		FailedRows:       job.FailedRows,
		DuplicateRows:    job.DuplicateRows,
		PercentComplete:  percentComplete(job),
		ChunksCompleted:  chunksCompleted,
		ChunkCount:       job.ChunkCount,
		ErrorCount:       errorCount,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
}

func percentComplete(job *model.UploadJob) float64 {
	if job.DeclaredRowCount <= 0 {
		if job.Status.IsTerminal() {
			return 100
		}
		return 0
	}
	percent := float64(job.ProcessedRows+job.FailedRows) / float64(job.DeclaredRowCount) * 100
	return math.Round(percent*100) / 100
}
