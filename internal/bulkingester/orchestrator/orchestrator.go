// Package orchestrator owns the job lifecycle: it registers uploaded files,
// fans their chunks out over the queue, runs the worker pool that processes
// them and folds the results back into the job record.
package orchestrator

import (
	"context"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/broker"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/dedup"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/parser"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/progress"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/sinkdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/util"
)

// ChunkWriter stores a chunk's validated rows in the sink table.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, jobId string, rows []*model.InvoiceRow) (*sinkdb.Result, error)
}

// SubmitRequest describes one uploaded file, already spooled to the staging
// directory by the HTTP layer.
type SubmitRequest struct {
	FileName   string
	FileSize   int64
	StagedPath string
}

type Orchestrator struct {
	config  configuration.BulkIngesterConfiguration
	store   jobdb.JobStore
	queue   broker.ChunkQueue
	writer  ChunkWriter
	dedup   dedup.Deduplicator
	tracker *progress.Tracker
	metrics *metrics.Metrics
	clock   clock.WithTicker
}

func NewOrchestrator(
	config configuration.BulkIngesterConfiguration,
	store jobdb.JobStore,
	queue broker.ChunkQueue,
	writer ChunkWriter,
	deduplicator dedup.Deduplicator,
	tracker *progress.Tracker,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		config:  config,
		store:   store,
		queue:   queue,
		writer:  writer,
		dedup:   deduplicator,
		tracker: tracker,
		metrics: m,
		clock:   clock.RealClock{},
	}
}

// Submit registers an uploaded file as a new job: it counts the file's data
// rows, persists the job with its chunk rows in one transaction, enqueues one
// message per chunk and moves the job to processing. Files without data rows
// complete immediately.
//
// Postgres and redis are not updated atomically. If enqueueing fails the job
// is left pending and the error is returned; the client retries the upload
// and deduplication makes the replay free.
func (o *Orchestrator) Submit(ctx context.Context, request *SubmitRequest) (*model.UploadJob, error) {
	_, declaredRowCount, err := parser.Inspect(request.StagedPath)
	if err != nil {
		var pathError *fs.PathError
		if errors.As(err, &pathError) {
			return nil, err
		}
		return nil, &ingesterrors.ErrInvalidArgument{
			Name:    "file",
			Value:   request.FileName,
			Message: err.Error(),
		}
	}

	now := o.clock.Now()
	job := &model.UploadJob{
		JobId:            util.NewULID(),
		FileName:         request.FileName,
		FileSize:         request.FileSize,
		StagedPath:       request.StagedPath,
		DeclaredRowCount: declaredRowCount,
		Status:           model.JobPending,
		ChunkSize:        o.config.ChunkSize,
		CreatedAt:        now,
	}

	ranges := model.ChunkRanges(declaredRowCount, o.config.ChunkSize)
	job.ChunkCount = len(ranges)
	if len(ranges) == 0 {
		return o.submitEmptyJob(ctx, job, now)
	}

	chunks := make([]*model.Chunk, len(ranges))
	messages := make([]*broker.ChunkMessage, len(ranges))
	for i, r := range ranges {
		chunks[i] = &model.Chunk{
			JobId:      job.JobId,
			ChunkIndex: i,
			FirstRow:   r.FirstRow,
			LastRow:    r.LastRow,
			Status:     model.ChunkQueued,
		}
		messages[i] = &broker.ChunkMessage{JobId: job.JobId, ChunkIndex: i, Attempt: 1}
	}

	if err := o.store.InsertJobWithChunks(ctx, job, chunks); err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, messages); err != nil {
		return nil, errors.WithMessagef(err, "error enqueueing chunks of job %s", job.JobId)
	}
	if err := o.store.MarkJobProcessing(ctx, job.JobId); err != nil {
		return nil, err
	}
	job, err = o.store.GetJob(ctx, job.JobId)
	if err != nil {
		return nil, err
	}
	o.tracker.Update(progress.FromJob(job, 0, 0))

	log.WithFields(log.Fields{"jobId": job.JobId, "fileName": job.FileName}).
		Infof("Accepted upload of %d rows as %d chunks", declaredRowCount, job.ChunkCount)
	return job, nil
}

// submitEmptyJob stores a job for a file with a header but no data rows.
// There is nothing to queue, so it is born terminal.
func (o *Orchestrator) submitEmptyJob(ctx context.Context, job *model.UploadJob, now time.Time) (*model.UploadJob, error) {
	job.Status = model.JobCompleted
	job.StartedAt = &now
	job.CompletedAt = &now
	if err := o.store.InsertJobWithChunks(ctx, job, nil); err != nil {
		return nil, err
	}
	o.tracker.Update(progress.FromJob(job, 0, 0))
	o.metrics.RecordJobCompleted(string(job.Status), 0)
	o.cleanupStagedFile(job)
	log.WithField("jobId", job.JobId).Infof("Upload %s has no data rows, job completed immediately", job.FileName)
	return job, nil
}

// Cancel requests cooperative cancellation: chunks not yet started are
// skipped, chunks in flight finish normally.
func (o *Orchestrator) Cancel(ctx context.Context, jobId string) error {
	if err := o.store.RequestCancel(ctx, jobId); err != nil {
		return err
	}
	log.WithField("jobId", jobId).Info("Job cancellation requested")
	return nil
}

func (o *Orchestrator) cleanupStagedFile(job *model.UploadJob) {
	if o.config.KeepStagedFiles || job.StagedPath == "" {
		return
	}
	if err := os.Remove(job.StagedPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warnf("Error removing staged file %s of job %s", job.StagedPath, job.JobId)
	}
}

func isNotFound(err error) bool {
	var notFound *ingesterrors.ErrNotFound
	return errors.As(err, &notFound)
}

func isAlreadyExists(err error) bool {
	var alreadyExists *ingesterrors.ErrAlreadyExists
	return errors.As(err, &alreadyExists)
}
