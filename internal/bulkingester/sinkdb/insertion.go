// Package sinkdb writes validated invoice rows to the invoice_items table.
// Each chunk is written in a single transaction together with its
// deduplication marks, so a chunk either lands completely or not at all. The
// one exception is a poison row the database rejects outright: the chunk is
// then re-run once with a savepoint per row so that one bad row cannot sink
// its chunk-mates.
package sinkdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/dedup"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/ingesterrors"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/util"
)

const (
	// In-process retry budget for transient database errors. Longer outages
	// escalate to the broker, which re-delivers the chunk after its
	// visibility timeout.
	maxRetries = 5
	maxBackoff = 30
)

var invoiceItemColumns = []string{"invoice_id", "invoice_date", "customer_name", "item_name", "quantity", "unit_price", "total"}

// FailedRow is a row the database rejected individually.
type FailedRow struct {
	Row *model.InvoiceRow
	Err error
}

// Result accounts for every row handed to WriteChunk: each row appears in
// exactly one of the four lists.
type Result struct {
	// Rows written to invoice_items in this call
	Inserted []*model.InvoiceRow
	// Rows whose content hash had been ingested before
	Duplicates []*model.InvoiceRow
	// Rows skipped because invoice_items already held their business key
	ConflictSkipped []*model.InvoiceRow
	// Rows rejected by the database in the salvage pass
	Failed []FailedRow
}

type SinkDb struct {
	db      *database.PoolManager
	dedup   dedup.Deduplicator
	metrics *metrics.Metrics
}

func NewSinkDb(db *database.PoolManager, deduplicator dedup.Deduplicator, m *metrics.Metrics) *SinkDb {
	return &SinkDb{
		db:      db,
		dedup:   deduplicator,
		metrics: m,
	}
}

// WriteChunk stores the chunk's validated rows. Transient database failures
// are retried with exponential backoff; if the budget runs out the error is
// returned so the caller can hand the chunk back to the broker. A
// non-retryable failure triggers the salvage pass, which isolates the rows
// the database actually rejects.
func (s *SinkDb) WriteChunk(ctx context.Context, jobId string, rows []*model.InvoiceRow) (*Result, error) {
	if len(rows) == 0 {
		return &Result{}, nil
	}

	var result *Result
	err := s.withDatabaseRetry(ctx, func() error {
		res, err := s.writeChunkBatch(ctx, jobId, rows)
		if err == nil {
			result = res
		}
		return err
	})
	if err == nil {
		return result, nil
	}
	if isRetryable(err) {
		// Retry budget exhausted on a transient error.
		return nil, err
	}

	log.WithError(err).Warnf("Writing chunk for job %s as a batch failed, salvaging rows individually", jobId)
	err = s.withDatabaseRetry(ctx, func() error {
		res, err := s.writeChunkSalvage(ctx, jobId, rows)
		if err == nil {
			result = res
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SinkDb) writeChunkBatch(ctx context.Context, jobId string, rows []*model.InvoiceRow) (*Result, error) {
	var result *Result
	err := s.db.BeginTxFunc(ctx, func(tx pgx.Tx) error {
		newRows, duplicates, err := s.dedup.MarkNew(ctx, tx, jobId, rows)
		if err != nil {
			return err
		}

		inserted, conflictSkipped, err := s.insertItemsBatch(ctx, tx, newRows)
		if err != nil {
			return err
		}

		result = &Result{
			Inserted:        inserted,
			Duplicates:      duplicates,
			ConflictSkipped: conflictSkipped,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// insertItemsBatch stages the rows in a temporary table with the postgres
// copy protocol and moves them into invoice_items in one statement. Rows
// whose business key already exists are skipped and reported.
func (s *SinkDb) insertItemsBatch(ctx context.Context, tx pgx.Tx, rows []*model.InvoiceRow) (inserted, conflictSkipped []*model.InvoiceRow, err error) {
	if len(rows) == 0 {
		return nil, nil, nil
	}

	tmpTable := database.UniqueTableName("invoice_items")

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		CREATE TEMPORARY TABLE %s
		(
		  invoice_id    text,
		  invoice_date  date,
		  customer_name text,
		  item_name     text,
		  quantity      numeric(12,2),
		  unit_price    numeric(12,2),
		  total         numeric(12,2)
		) ON COMMIT DROP;`, tmpTable))
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
		return nil, nil, errors.WithStack(err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{tmpTable},
		invoiceItemColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			return []interface{}{
				rows[i].InvoiceId,
				rows[i].InvoiceDate,
				rows[i].CustomerName,
				rows[i].ItemName,
				rows[i].Quantity,
				rows[i].UnitPrice,
				rows[i].Total,
			}, nil
		}),
	)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationInsert)
		return nil, nil, errors.WithStack(err)
	}

	dbRows, err := tx.Query(ctx, fmt.Sprintf(`
		INSERT INTO invoice_items (invoice_id, invoice_date, customer_name, item_name, quantity, unit_price, total)
		SELECT invoice_id, invoice_date, customer_name, item_name, quantity, unit_price, total FROM %s
		ON CONFLICT (invoice_id, item_name, invoice_date) DO NOTHING
		RETURNING invoice_id, item_name, invoice_date`, tmpTable))
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationInsert)
		return nil, nil, errors.WithStack(err)
	}
	defer dbRows.Close()

	insertedKeys := make(map[itemKey]bool, len(rows))
	for dbRows.Next() {
		var invoiceId, itemName string
		var invoiceDate time.Time
		if err := dbRows.Scan(&invoiceId, &itemName, &invoiceDate); err != nil {
			return nil, nil, errors.WithStack(err)
		}
		insertedKeys[itemKey{invoiceId, itemName, invoiceDate.Format("2006-01-02")}] = true
	}
	if err := dbRows.Err(); err != nil {
		s.metrics.RecordDBError(metrics.DBOperationInsert)
		return nil, nil, errors.WithStack(err)
	}

	for _, row := range rows {
		if insertedKeys[keyOf(row)] {
			inserted = append(inserted, row)
		} else {
			conflictSkipped = append(conflictSkipped, row)
		}
	}
	return inserted, conflictSkipped, nil
}

// writeChunkSalvage re-runs the chunk in a fresh transaction with a
// savepoint per row. Rows the database rejects are rolled back individually,
// their dedup marks removed, and the remainder commits together.
func (s *SinkDb) writeChunkSalvage(ctx context.Context, jobId string, rows []*model.InvoiceRow) (*Result, error) {
	var result *Result
	err := s.db.BeginTxFunc(ctx, func(tx pgx.Tx) error {
		newRows, duplicates, err := s.dedup.MarkNew(ctx, tx, jobId, rows)
		if err != nil {
			return err
		}
		result = &Result{Duplicates: duplicates}

		for _, row := range newRows {
			sub, err := tx.Begin(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
			tag, err := sub.Exec(ctx, `
				INSERT INTO invoice_items (invoice_id, invoice_date, customer_name, item_name, quantity, unit_price, total)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (invoice_id, item_name, invoice_date) DO NOTHING`,
				row.InvoiceId, row.InvoiceDate, row.CustomerName, row.ItemName, row.Quantity, row.UnitPrice, row.Total)
			if err != nil {
				if rollbackErr := sub.Rollback(ctx); rollbackErr != nil {
					return errors.WithStack(rollbackErr)
				}
				if isRetryable(err) {
					// The database went away mid-salvage; redo the whole chunk.
					return err
				}
				s.metrics.RecordDBError(metrics.DBOperationInsert)
				// The hash was marked on this transaction; unmark it so a
				// corrected version of the row is not mistaken for a
				// duplicate later.
				if _, delErr := tx.Exec(ctx, `DELETE FROM ingest_dedup WHERE content_hash = $1`, dedup.KeyFor(row)); delErr != nil {
					return errors.WithStack(delErr)
				}
				log.WithError(err).Warnf("Row %d of job %s rejected by the database", row.RowNumber, jobId)
				result.Failed = append(result.Failed, FailedRow{Row: row, Err: err})
				continue
			}
			if err := sub.Commit(ctx); err != nil {
				return errors.WithStack(err)
			}
			if tag.RowsAffected() == 0 {
				result.ConflictSkipped = append(result.ConflictSkipped, row)
			} else {
				result.Inserted = append(result.Inserted, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SinkDb) withDatabaseRetry(ctx context.Context, executeDb func() error) error {
	backOff := 1
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = executeDb()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		backOff = util.Min(2*backOff, maxBackoff)
		log.WithError(err).Warnf("Retryable error encountered writing chunk, will wait for %d seconds before retrying", backOff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(backOff) * time.Second):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var circuitOpen *ingesterrors.ErrCircuitOpen
	if errors.As(err, &circuitOpen) {
		return true
	}
	return ingesterrors.IsNetworkError(err) || ingesterrors.IsRetryablePostgresError(err)
}

type itemKey struct {
	invoiceId   string
	itemName    string
	invoiceDate string
}

func keyOf(row *model.InvoiceRow) itemKey {
	return itemKey{row.InvoiceId, row.ItemName, row.InvoiceDate}
}
