// Package parser reads invoice CSV files as streams. Files are never loaded
// into memory as a whole; the front door scans them once to count rows and
// workers later re-read just the row range belonging to their chunk.
package parser

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/bvenu-lab/mangalm-ingest/internal/common/util"
)

// Canonical column names. Header matching is case-insensitive and tolerant
// of extra whitespace and column order.
const (
	ColumnInvoiceId    = "Invoice ID"
	ColumnInvoiceDate  = "Invoice Date"
	ColumnCustomerName = "Customer Name"
	ColumnItemName     = "Item Name"
	ColumnQuantity     = "Quantity"
	ColumnItemPrice    = "Item Price"
	ColumnTotal        = "Total"
)

var requiredColumns = []string{
	ColumnInvoiceId,
	ColumnInvoiceDate,
	ColumnCustomerName,
	ColumnItemName,
	ColumnQuantity,
	ColumnItemPrice,
}

// Header maps canonical column names to positions in the CSV records.
type Header struct {
	index map[string]int
}

// ParseHeader validates the first record of an invoice CSV. It returns an
// error naming every missing required column; such files are rejected before
// a job is created. The Total column is optional.
func ParseHeader(record []string) (*Header, error) {
	index := make(map[string]int, len(record))
	for i, name := range record {
		index[normalizeColumn(name)] = i
	}

	missing := make([]string, 0)
	for _, col := range requiredColumns {
		if _, ok := index[normalizeColumn(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("csv header is missing required columns: %s", strings.Join(missing, ", "))
	}
	return &Header{index: index}, nil
}

// Field returns the trimmed value of the named column, or "" if the record
// is too short or the column is absent.
func (h *Header) Field(record []string, column string) string {
	i, ok := h.index[normalizeColumn(column)]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// HasColumn reports whether the file carries the named column at all.
func (h *Header) HasColumn(column string) bool {
	_, ok := h.index[normalizeColumn(column)]
	return ok
}

func normalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\uFEFF")
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// RawRow is one data row as read from the file. Err is set when the CSV
// itself was malformed at this position, in which case Record is nil.
type RawRow struct {
	// 1-based data row ordinal, the header row not counted
	RowNumber int64
	Record    []string
	Err       error
}

// RawData renders the row for storage alongside a processing error. Quoting
// is not reconstructed; fields are rejoined with commas and capped at maxLen
// bytes.
func (r *RawRow) RawData(maxLen int) string {
	if r.Record == nil {
		return ""
	}
	return util.Truncate(strings.Join(r.Record, ","), maxLen)
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	// Rows with the wrong number of fields are a per-row validation concern,
	// not a file-level failure.
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

// Inspect scans the staged file once, returning its parsed header and the
// number of data rows. Malformed rows count: they occupy an ordinal and are
// reported individually when their chunk is processed.
func Inspect(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	defer util.CloseResource(path, f)

	cr := newReader(f)
	headerRecord, err := cr.Read()
	if err == io.EOF {
		return nil, 0, errors.New("file is empty")
	}
	if err != nil {
		return nil, 0, errors.WithMessage(err, "reading csv header")
	}
	header, err := ParseHeader(headerRecord)
	if err != nil {
		return nil, 0, err
	}

	var count int64
	for {
		_, err := cr.Read()
		if err == io.EOF {
			break
		}
		count++
	}
	return header, count, nil
}

// ReadChunk re-opens the staged file and returns its header together with
// the data rows with ordinals in [firstRow, lastRow], both inclusive. Row
// ordinals are assigned exactly as by Inspect, so chunks derived from the
// inspected row count partition the file without gaps or overlap.
func ReadChunk(path string, firstRow, lastRow int64) (*Header, []RawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer util.CloseResource(path, f)

	cr := newReader(f)
	headerRecord, err := cr.Read()
	if err != nil {
		// Header was readable when the job was registered.
		return nil, nil, errors.WithMessage(err, "reading csv header")
	}
	header, err := ParseHeader(headerRecord)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]RawRow, 0, lastRow-firstRow+1)
	for rowNumber := int64(1); rowNumber <= lastRow; rowNumber++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if rowNumber < firstRow {
			continue
		}
		rows = append(rows, RawRow{RowNumber: rowNumber, Record: record, Err: err})
	}
	return header, rows, nil
}
