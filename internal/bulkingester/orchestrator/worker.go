package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/broker"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/parser"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/progress"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/sinkdb"
)

const (
	claimCount        = 1
	claimErrorBackoff = time.Second

	chunkAttemptCompleted    = "completed"
	chunkAttemptFailed       = "failed"
	chunkAttemptDeadLettered = "dead_lettered"
	chunkAttemptCancelled    = "cancelled"
)

// Run starts the chunk workers and the dedup retention sweep and blocks
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "bulkingester"
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.config.Parallelism; i++ {
		consumer := fmt.Sprintf("%s-%d", hostname, i)
		g.Go(func() error {
			return o.runWorker(ctx, consumer)
		})
	}
	if o.config.DedupRetention > 0 {
		g.Go(func() error {
			return o.runDedupSweep(ctx)
		})
	}
	log.Infof("Started %d chunk workers", o.config.Parallelism)
	return g.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, consumer string) error {
	logger := log.WithField("consumer", consumer)
	logger.Debug("Chunk worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		messages, err := o.queue.Claim(ctx, consumer, claimCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Warn("Error claiming chunk messages")
			select {
			case <-ctx.Done():
				return nil
			case <-o.clock.After(claimErrorBackoff):
			}
			continue
		}
		for _, message := range messages {
			o.processMessage(ctx, message)
		}
	}
}

// processMessage drives one delivery of one chunk from claim to ack. Errors
// against postgres or redis leave the message pending; the visibility
// timeout then hands it to another consumer without using up a processing
// attempt.
func (o *Orchestrator) processMessage(ctx context.Context, message *broker.Message) {
	start := o.clock.Now()
	logger := log.WithFields(log.Fields{"jobId": message.JobId, "chunkIndex": message.ChunkIndex})

	job, err := o.store.GetJob(ctx, message.JobId)
	if err != nil {
		if isNotFound(err) {
			logger.Warn("Dropping chunk message of unknown job")
			o.ack(ctx, message)
			return
		}
		logger.WithError(err).Warn("Error loading job, chunk will be redelivered")
		return
	}
	chunk, err := o.store.GetChunk(ctx, message.JobId, message.ChunkIndex)
	if err != nil {
		if isNotFound(err) {
			logger.Warn("Dropping message of unknown chunk")
			o.ack(ctx, message)
			return
		}
		logger.WithError(err).Warn("Error loading chunk, chunk will be redelivered")
		return
	}
	if chunk.Status.IsTerminal() {
		// Redelivered after completion, nothing left to do.
		o.ack(ctx, message)
		return
	}
	if job.CancelRequested {
		o.metrics.RecordChunkAttempt(chunkAttemptCancelled)
		o.finishChunk(ctx, message, &jobdb.ChunkResult{
			JobId:      chunk.JobId,
			ChunkIndex: chunk.ChunkIndex,
			Status:     model.ChunkCancelled,
		}, start)
		return
	}

	attempt, err := o.store.MarkChunkProcessing(ctx, message.JobId, message.ChunkIndex)
	if err != nil {
		if isAlreadyExists(err) {
			o.ack(ctx, message)
			return
		}
		logger.WithError(err).Warn("Error marking chunk processing, chunk will be redelivered")
		return
	}
	if attempt > o.config.MaxAttempts {
		// Earlier deliveries died without reaching a terminal state.
		logger.Warnf("Chunk did not complete within %d attempts, giving up", o.config.MaxAttempts)
		o.giveUpOnChunk(ctx, message, chunk, model.ChunkDeadLettered,
			fmt.Sprintf("chunk did not complete within %d processing attempts", o.config.MaxAttempts), start)
		return
	}

	result, err := o.processChunk(ctx, job, chunk)
	if err != nil {
		o.handleChunkFailure(ctx, message, chunk, attempt, err, start)
		return
	}
	o.metrics.RecordChunkAttempt(chunkAttemptCompleted)
	o.finishChunk(ctx, message, result, start)
}

// handleChunkFailure decides between requeueing the chunk for another
// attempt and giving up on it.
func (o *Orchestrator) handleChunkFailure(ctx context.Context, message *broker.Message, chunk *model.Chunk, attempt int, processErr error, start time.Time) {
	logger := log.WithFields(log.Fields{"jobId": message.JobId, "chunkIndex": message.ChunkIndex})
	logger.WithError(processErr).Warnf("Chunk processing attempt %d failed", attempt)

	if errors.Is(processErr, fs.ErrNotExist) {
		// The staged file is gone; no retry can bring it back.
		o.giveUpOnChunk(ctx, message, chunk, model.ChunkDeadLettered, "staged file is missing: "+processErr.Error(), start)
		return
	}
	if attempt >= o.config.MaxAttempts {
		o.giveUpOnChunk(ctx, message, chunk, model.ChunkFailed, processErr.Error(), start)
		return
	}

	o.metrics.RecordChunkAttempt(chunkAttemptFailed)
	requeued, err := o.queue.Nack(ctx, message, processErr.Error())
	if err != nil {
		logger.WithError(err).Warn("Error returning chunk to the queue, chunk will be redelivered")
		return
	}
	if !requeued {
		// The broker's own attempt cap fired first; the message is already
		// on the dead letter stream, so only the chunk state is left to fix.
		o.finishChunk(ctx, message, deadLetterResult(chunk, model.ChunkFailed, processErr.Error()), start)
	}
}

// giveUpOnChunk records the chunk as permanently failed and then moves its
// message to the dead letter stream. The chunk is completed first: if moving
// the message fails, redelivery finds a terminal chunk and simply acks.
func (o *Orchestrator) giveUpOnChunk(ctx context.Context, message *broker.Message, chunk *model.Chunk, status model.ChunkStatus, reason string, start time.Time) {
	o.metrics.RecordChunkAttempt(chunkAttemptDeadLettered)
	if !o.finishChunk(ctx, message, deadLetterResult(chunk, status, reason), start) {
		return
	}
	if err := o.queue.DeadLetter(ctx, message, reason); err != nil {
		log.WithError(err).Warnf("Error dead lettering message %s of chunk %s/%d", message.Id, message.JobId, message.ChunkIndex)
	}
}

// deadLetterResult is the terminal outcome of a chunk no attempt could
// process: every row is failed and a single chunk-level error records why.
func deadLetterResult(chunk *model.Chunk, status model.ChunkStatus, reason string) *jobdb.ChunkResult {
	return &jobdb.ChunkResult{
		JobId:      chunk.JobId,
		ChunkIndex: chunk.ChunkIndex,
		Status:     status,
		FailedRows: chunk.RowCount(),
		LastError:  reason,
		Errors: []*model.ProcessingError{{
			JobId:      chunk.JobId,
			ChunkIndex: chunk.ChunkIndex,
			RowNumber:  0,
			Severity:   model.SeverityDatabase,
			Message:    reason,
		}},
	}
}

// finishChunk stores the chunk outcome, acks the message and publishes the
// job's new progress. It reports whether the outcome is now persisted, either
// by this call or by an earlier delivery.
func (o *Orchestrator) finishChunk(ctx context.Context, message *broker.Message, result *jobdb.ChunkResult, start time.Time) bool {
	logger := log.WithFields(log.Fields{"jobId": result.JobId, "chunkIndex": result.ChunkIndex})

	job, outstanding, err := o.store.CompleteChunk(ctx, result)
	if err != nil {
		if isAlreadyExists(err) {
			// Another delivery of this chunk completed it concurrently.
			o.ack(ctx, message)
			return true
		}
		logger.WithError(err).Warn("Error completing chunk, chunk will be redelivered")
		return false
	}
	o.ack(ctx, message)
	o.metrics.RecordChunkProcessingTime(o.clock.Since(start))
	logger.Debugf("Chunk finished as %s: %d processed, %d failed, %d duplicates",
		result.Status, result.ProcessedRows, result.FailedRows, result.DuplicateRows)

	errorCount, err := o.store.CountErrors(ctx, result.JobId)
	if err != nil {
		logger.WithError(err).Warn("Error counting job errors for the progress snapshot")
	}
	o.tracker.Update(progress.FromJob(job, job.ChunkCount-outstanding, errorCount))

	if outstanding == 0 {
		o.finishJob(job)
	}
	return true
}

// finishJob runs the bookkeeping owed once per job: metrics, the staged file
// cleanup and the summary log line. CompleteChunk guarantees exactly one
// worker gets here.
func (o *Orchestrator) finishJob(job *model.UploadJob) {
	duration := time.Duration(0)
	if job.StartedAt != nil && job.CompletedAt != nil {
		duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	o.metrics.RecordJobCompleted(string(job.Status), duration)
	o.cleanupStagedFile(job)
	log.WithFields(log.Fields{
		"jobId":      job.JobId,
		"fileName":   job.FileName,
		"declared":   job.DeclaredRowCount,
		"processed":  job.ProcessedRows,
		"failed":     job.FailedRows,
		"duplicates": job.DuplicateRows,
	}).Infof("Job finished as %s in %s", job.Status, duration)
}

// processChunk re-reads the chunk's rows from the staged file, validates
// them and writes the valid ones. The returned result accounts for every row
// in the chunk's range.
func (o *Orchestrator) processChunk(ctx context.Context, job *model.UploadJob, chunk *model.Chunk) (*jobdb.ChunkResult, error) {
	header, rawRows, err := parser.ReadChunk(job.StagedPath, chunk.FirstRow, chunk.LastRow)
	if err != nil {
		return nil, err
	}

	validRows := make([]*model.InvoiceRow, 0, len(rawRows))
	rawByNumber := make(map[int64]*parser.RawRow, len(rawRows))
	var processingErrors []*model.ProcessingError
	for i := range rawRows {
		raw := &rawRows[i]
		rawByNumber[raw.RowNumber] = raw
		row, rejects, warnings := parser.ValidateRow(*raw, header, o.config.AmountMismatchPolicy)
		for _, warning := range warnings {
			processingErrors = append(processingErrors, o.rowError(chunk, raw, warning.Column, model.SeverityValidation, warning.Message))
		}
		if len(rejects) > 0 {
			processingErrors = append(processingErrors, o.rejectError(chunk, raw, rejects))
			continue
		}
		validRows = append(validRows, row)
	}
	rejected := int64(len(rawRows) - len(validRows))

	result := &sinkdb.Result{}
	if len(validRows) > 0 {
		result, err = o.writer.WriteChunk(ctx, job.JobId, validRows)
		if err != nil {
			return nil, err
		}
	}

	for _, row := range result.ConflictSkipped {
		processingErrors = append(processingErrors, o.rowError(chunk, rawByNumber[row.RowNumber], "",
			model.SeverityDuplicateConflict,
			"an item with this invoice id, item name and date was already ingested with different values"))
	}
	var lastError string
	for _, failed := range result.Failed {
		lastError = failed.Err.Error()
		processingErrors = append(processingErrors, o.rowError(chunk, rawByNumber[failed.Row.RowNumber], "",
			model.SeverityFatal, failed.Err.Error()))
	}

	duplicates := int64(len(result.Duplicates) + len(result.ConflictSkipped))
	o.metrics.RecordRows(metrics.RowOutcomeInserted, len(result.Inserted))
	o.metrics.RecordRows(metrics.RowOutcomeDuplicate, int(duplicates))
	o.metrics.RecordRows(metrics.RowOutcomeFailedValidation, int(rejected))
	o.metrics.RecordRows(metrics.RowOutcomeFailedFatal, len(result.Failed))

	return &jobdb.ChunkResult{
		JobId:         chunk.JobId,
		ChunkIndex:    chunk.ChunkIndex,
		Status:        model.ChunkCompleted,
		ProcessedRows: int64(len(result.Inserted)) + duplicates,
		FailedRows:    rejected + int64(len(result.Failed)),
		DuplicateRows: duplicates,
		LastError:     lastError,
		Errors:        processingErrors,
	}, nil
}

func (o *Orchestrator) rowError(chunk *model.Chunk, raw *parser.RawRow, column string, severity model.ErrorSeverity, message string) *model.ProcessingError {
	return &model.ProcessingError{
		JobId:      chunk.JobId,
		ChunkIndex: chunk.ChunkIndex,
		RowNumber:  raw.RowNumber,
		Column:     column,
		Severity:   severity,
		Message:    message,
		RawData:    raw.RawData(o.config.RawDataMaxLength),
	}
}

// rejectError folds all of a row's validation failures into the one error
// record the row gets.
func (o *Orchestrator) rejectError(chunk *model.Chunk, raw *parser.RawRow, rejects []parser.RowIssue) *model.ProcessingError {
	if len(rejects) == 1 {
		return o.rowError(chunk, raw, rejects[0].Column, model.SeverityValidation, rejects[0].Message)
	}
	parts := make([]string, len(rejects))
	for i, reject := range rejects {
		if reject.Column == "" {
			parts[i] = reject.Message
		} else {
			parts[i] = reject.Column + ": " + reject.Message
		}
	}
	return o.rowError(chunk, raw, "", model.SeverityValidation, strings.Join(parts, "; "))
}

func (o *Orchestrator) ack(ctx context.Context, message *broker.Message) {
	if err := o.queue.Ack(ctx, message); err != nil {
		log.WithError(err).Warnf("Error acknowledging message %s of chunk %s/%d", message.Id, message.JobId, message.ChunkIndex)
	}
}
