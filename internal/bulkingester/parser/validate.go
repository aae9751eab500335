package parser

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/model"
)

// Date formats accepted in the Invoice Date column. Two-digit years follow
// the usual pivot: 69-99 become 19xx, 00-68 become 20xx.
var dateFormats = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02/01/06",
	"02-01-06",
}

// Totals may drift from quantity times unit price by at most this much
// before the row counts as mismatched.
const amountEpsilon = 0.01

// RowIssue describes one problem found while validating a row.
type RowIssue struct {
	Column  string
	Message string
}

func issuef(column, format string, args ...interface{}) RowIssue {
	return RowIssue{Column: column, Message: fmt.Sprintf(format, args...)}
}

// ValidateRow checks a raw CSV row against the invoice schema. On success it
// returns the normalized row and possibly warnings, which are recorded but do
// not fail the row. On failure the returned row is nil and rejects explains
// why. The amount mismatch policy decides which of the two a total
// disagreeing with quantity times unit price produces.
func ValidateRow(raw RawRow, header *Header, policy configuration.RowPolicy) (row *model.InvoiceRow, rejects []RowIssue, warnings []RowIssue) {
	if raw.Err != nil {
		return nil, []RowIssue{issuef("", "malformed csv row: %v", raw.Err)}, nil
	}

	invoiceId := header.Field(raw.Record, ColumnInvoiceId)
	if invoiceId == "" {
		rejects = append(rejects, issuef(ColumnInvoiceId, "invoice id is required"))
	}

	itemName := header.Field(raw.Record, ColumnItemName)
	if itemName == "" {
		rejects = append(rejects, issuef(ColumnItemName, "item name is required"))
	}

	var invoiceDate string
	rawDate := header.Field(raw.Record, ColumnInvoiceDate)
	if rawDate == "" {
		rejects = append(rejects, issuef(ColumnInvoiceDate, "invoice date is required"))
	} else {
		var err error
		invoiceDate, err = ParseDate(rawDate)
		if err != nil {
			rejects = append(rejects, issuef(ColumnInvoiceDate, "%v", err))
		}
	}

	quantity, qtyIssue := parseAmount(raw.Record, header, ColumnQuantity)
	if qtyIssue != nil {
		rejects = append(rejects, *qtyIssue)
	}
	unitPrice, priceIssue := parseAmount(raw.Record, header, ColumnItemPrice)
	if priceIssue != nil {
		rejects = append(rejects, *priceIssue)
	}

	total := quantity * unitPrice
	if qtyIssue == nil && priceIssue == nil && header.HasColumn(ColumnTotal) {
		if rawTotal := header.Field(raw.Record, ColumnTotal); rawTotal != "" {
			parsedTotal, err := strconv.ParseFloat(rawTotal, 64)
			var issue *RowIssue
			if err != nil {
				i := issuef(ColumnTotal, "total %q is not a number", rawTotal)
				issue = &i
			} else if math.Abs(parsedTotal-total) > amountEpsilon {
				i := issuef(ColumnTotal, "total %s does not match quantity x unit price (%.2f)", rawTotal, total)
				issue = &i
			} else {
				total = parsedTotal
			}
			if issue != nil {
				if policy == configuration.RowPolicyReject {
					rejects = append(rejects, *issue)
				} else {
					warnings = append(warnings, *issue)
				}
			}
		}
	}

	if len(rejects) > 0 {
		return nil, rejects, warnings
	}

	return &model.InvoiceRow{
		RowNumber:    raw.RowNumber,
		InvoiceId:    invoiceId,
		InvoiceDate:  invoiceDate,
		CustomerName: header.Field(raw.Record, ColumnCustomerName),
		ItemName:     itemName,
		Quantity:     quantity,
		UnitPrice:    unitPrice,
		Total:        total,
	}, nil, warnings
}

// ParseDate parses a date in any accepted format and normalizes it to
// YYYY-MM-DD.
func ParseDate(s string) (string, error) {
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("date %q is not in a recognized format", s)
}

func parseAmount(record []string, header *Header, column string) (float64, *RowIssue) {
	raw := header.Field(record, column)
	if raw == "" {
		issue := issuef(column, "%s is required", column)
		return 0, &issue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		issue := issuef(column, "%s %q is not a number", column, raw)
		return 0, &issue
	}
	if v < 0 {
		issue := issuef(column, "%s must not be negative, got %s", column, raw)
		return 0, &issue
	}
	return v, nil
}
