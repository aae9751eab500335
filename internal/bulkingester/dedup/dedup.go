// Package dedup decides which invoice rows have been ingested before. Each
// row is identified by a content hash over its business fields; the
// ingest_dedup table owns hash uniqueness, so two chunks racing on the same
// row resolve to exactly one winner no matter which workers process them.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
)

// Deduplicator partitions chunk rows into first-seen rows and duplicates.
type Deduplicator interface {
	// MarkNew records the content hashes of rows on the given transaction and
	// splits rows into those whose hash was stored now (newRows) and those
	// whose hash existed already (duplicates). Running on the chunk's own
	// transaction means a rolled back chunk leaves no hashes behind.
	MarkNew(ctx context.Context, tx pgx.Tx, jobId string, rows []*model.InvoiceRow) (newRows []*model.InvoiceRow, duplicates []*model.InvoiceRow, err error)
	// PurgeBefore deletes hashes recorded before the cutoff and returns how
	// many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresDeduplicator implements Deduplicator on the ingest_dedup table. A
// small TTL cache of hashes already confirmed as duplicates avoids re-asking
// the database about rows that keep reappearing across uploads. Only
// duplicate verdicts are cached: those are backed by committed data, whereas
// a "new" verdict may still be rolled back with its chunk.
type PostgresDeduplicator struct {
	db               *database.PoolManager
	recentDuplicates *cache.Cache
}

func NewDeduplicator(db *database.PoolManager) *PostgresDeduplicator {
	return &PostgresDeduplicator{
		db:               db,
		recentDuplicates: cache.New(time.Hour, 10*time.Minute),
	}
}

// KeyFor returns the content hash identifying a row: sha256 over the
// normalized business fields. The date is in its normalized ISO form and
// numbers in their shortest decimal form, so formatting differences between
// uploads do not defeat deduplication.
func KeyFor(row *model.InvoiceRow) string {
	fields := []string{
		row.InvoiceId,
		row.InvoiceDate,
		row.CustomerName,
		row.ItemName,
		strconv.FormatFloat(row.Quantity, 'f', -1, 64),
		strconv.FormatFloat(row.UnitPrice, 'f', -1, 64),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func (s *PostgresDeduplicator) MarkNew(ctx context.Context, tx pgx.Tx, jobId string, rows []*model.InvoiceRow) ([]*model.InvoiceRow, []*model.InvoiceRow, error) {
	unique, duplicates := dedupWithinChunk(rows)

	// Fast path for hashes recently confirmed as already ingested.
	fresh := make([]*model.InvoiceRow, 0, len(unique))
	for _, row := range unique {
		if _, known := s.recentDuplicates.Get(KeyFor(row)); known {
			duplicates = append(duplicates, row)
		} else {
			fresh = append(fresh, row)
		}
	}
	if len(fresh) == 0 {
		return nil, duplicates, nil
	}

	inserted, err := insertHashes(ctx, tx, jobId, fresh)
	if err != nil {
		return nil, nil, err
	}

	newRows := make([]*model.InvoiceRow, 0, len(fresh))
	for _, row := range fresh {
		if inserted[KeyFor(row)] {
			newRows = append(newRows, row)
		} else {
			duplicates = append(duplicates, row)
			s.recentDuplicates.SetDefault(KeyFor(row), struct{}{})
		}
	}
	return newRows, duplicates, nil
}

func (s *PostgresDeduplicator) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM ingest_dedup WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// dedupWithinChunk resolves duplicates inside a single chunk before the
// database is involved: the first occurrence wins.
func dedupWithinChunk(rows []*model.InvoiceRow) (unique []*model.InvoiceRow, duplicates []*model.InvoiceRow) {
	seen := make(map[string]bool, len(rows))
	unique = make([]*model.InvoiceRow, 0, len(rows))
	for _, row := range rows {
		key := KeyFor(row)
		if seen[key] {
			duplicates = append(duplicates, row)
		} else {
			seen[key] = true
			unique = append(unique, row)
		}
	}
	return unique, duplicates
}

func insertHashes(ctx context.Context, tx pgx.Tx, jobId string, rows []*model.InvoiceRow) (map[string]bool, error) {
	hashes := make([]string, len(rows))
	rowNumbers := make([]int64, len(rows))
	for i, row := range rows {
		hashes[i] = KeyFor(row)
		rowNumbers[i] = row.RowNumber
	}

	sql := `
        INSERT INTO ingest_dedup (content_hash, job_id, row_number)
        SELECT unnest($1::text[]), $2, unnest($3::bigint[])
        ON CONFLICT (content_hash) DO NOTHING
        RETURNING content_hash
    `
	dbRows, err := tx.Query(ctx, sql, hashes, jobId, rowNumbers)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer dbRows.Close()

	inserted := make(map[string]bool, len(rows))
	for dbRows.Next() {
		var hash string
		if err := dbRows.Scan(&hash); err != nil {
			return nil, errors.WithStack(err)
		}
		inserted[hash] = true
	}
	if err := dbRows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return inserted, nil
}
