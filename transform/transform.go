// Package transform flattens raw ServiceTitan invoice records into the fixed
// spreadsheet row schema.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"invoicesync/apiclients/servicetitan"
)

// Columns is the output column order.
var Columns = []string{
	"invoice_id",
	"invoice_date",
	"business_unit",
	"job_type",
	"total_amount",
	"updated_at",
}

const (
	// DateFormat is the invoice_date output format.
	DateFormat = "2006-01-02"
	// TimestampFormat is the updated_at output format, always UTC.
	TimestampFormat = "2006-01-02T15:04:05Z"
)

// Alternative source paths for each output field, in order of preference. A dotted
// path descends into nested objects.
var (
	idPaths           = []string{"id", "invoiceId", "invoice_id"}
	invoiceDatePaths  = []string{"invoiceDate", "date", "createdOn"}
	updatedAtPaths    = []string{"modifiedOn", "updatedOn", "updatedAt", "updated_at"}
	businessUnitPaths = []string{"businessUnit.name", "businessUnitName", "businessUnit"}
	jobTypePaths      = []string{"jobType.name", "jobTypeName", "jobType"}
	totalPaths        = []string{"total", "totalAmount", "summary.total"}
)

// timeLayouts are the accepted datetime layouts. Layouts without a zone are read as
// UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	DateFormat,
}

// Row is one flattened invoice.
type Row struct {
	InvoiceID    string
	InvoiceDate  string // YYYY-MM-DD or empty
	BusinessUnit string
	JobType      string
	TotalAmount  *float64 // nil when absent or not numeric
	UpdatedAt    time.Time

	// UpdatedAtText holds an existing sheet's updated_at cell when it could not be
	// parsed, so that the cell is written back unchanged.
	UpdatedAtText string
}

// UpdatedAtString returns UpdatedAt in the output timestamp format, or UpdatedAtText
// when UpdatedAt is unset.
func (r Row) UpdatedAtString() string {
	if r.UpdatedAt.IsZero() {
		return r.UpdatedAtText
	}
	return r.UpdatedAt.UTC().Format(TimestampFormat)
}

// MalformedRecordError reports an invoice lacking a usable invoice id or updated
// timestamp.
type MalformedRecordError struct {
	InvoiceID string // "?" when unknown
	Field     string
	Err       error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed invoice %s: %s: %v", e.InvoiceID, e.Field, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

var (
	errMissing     = errors.New("missing")
	errUnparseable = errors.New("unparseable")
)

// Flatten maps a raw invoice onto a Row.
func Flatten(inv servicetitan.Invoice) (Row, error) {

	var row Row

	id, ok := scalarString(lookup(inv, idPaths))
	if !ok {
		return row, &MalformedRecordError{InvoiceID: "?", Field: "invoice_id", Err: errMissing}
	}
	row.InvoiceID = id

	updatedRaw, ok := scalarString(lookup(inv, updatedAtPaths))
	if !ok {
		return row, &MalformedRecordError{InvoiceID: id, Field: "updated_at", Err: errMissing}
	}
	updated, err := ParseTime(updatedRaw)
	if err != nil {
		return row, &MalformedRecordError{InvoiceID: id, Field: "updated_at", Err: fmt.Errorf("%w: %v", errUnparseable, err)}
	}
	row.UpdatedAt = updated

	if dateRaw, ok := scalarString(lookup(inv, invoiceDatePaths)); ok {
		if d, err := ParseTime(dateRaw); err == nil {
			row.InvoiceDate = d.Format(DateFormat)
		}
	}

	row.BusinessUnit = textValue(inv, businessUnitPaths)
	row.JobType = textValue(inv, jobTypePaths)
	row.TotalAmount = numberValue(lookup(inv, totalPaths))

	return row, nil
}

// FlattenAll flattens invoices in order, skipping and logging malformed records. It
// returns the rows and the number of records skipped.
func FlattenAll(invoices []servicetitan.Invoice, logger *slog.Logger) ([]Row, int) {
	rows := make([]Row, 0, len(invoices))
	var skipped int
	for _, inv := range invoices {
		row, err := Flatten(inv)
		if err != nil {
			skipped++
			logger.Warn(fmt.Sprintf("transform: skipping record: %v", err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped
}

// ParseTime parses a timestamp in one of the accepted layouts, returning it in UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format %q", s)
}

// lookup returns the first non-empty value found at paths.
func lookup(inv map[string]any, paths []string) any {
	for _, path := range paths {
		v := walk(inv, strings.Split(path, "."))
		if present(v) {
			return v
		}
	}
	return nil
}

// textValue returns the first string value found at paths; objects and other
// non-text values are passed over.
func textValue(inv map[string]any, paths []string) string {
	for _, path := range paths {
		if s, ok := walk(inv, strings.Split(path, ".")).(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func walk(cur any, keys []string) any {
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	}
	return true
}

// scalarString renders strings and numbers as text. Numbers are rendered without an
// exponent.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		return x, x != ""
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			return x.String(), true
		}
		f, err := x.Float64()
		if err != nil {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

// numberValue converts numbers and numeric strings; anything else is nil.
func numberValue(v any) *float64 {
	var f float64
	var err error
	switch x := v.(type) {
	case json.Number:
		f, err = x.Float64()
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
