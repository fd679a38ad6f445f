// Package spreadsheet maintains the invoices workbook: one sheet holding one row per
// invoice id, the most recently updated version of each invoice winning.
package spreadsheet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"invoicesync/transform"
)

// StorageError reports a failure to read or write the workbook.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("spreadsheet %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Result summarises a MergeAndWrite.
type Result struct {
	RowsIncoming int
	RowsWritten  int
	FilePath     string
}

// MergeAndWrite loads the existing sheet at path, merges incoming into it and writes
// the result back.
func MergeAndWrite(path, sheet string, incoming []transform.Row) (Result, error) {
	existing, err := Load(path, sheet)
	if err != nil {
		return Result{}, err
	}
	merged := Merge(existing, incoming)
	if err := Write(path, sheet, merged); err != nil {
		return Result{}, err
	}
	return Result{
		RowsIncoming: len(incoming),
		RowsWritten:  len(merged),
		FilePath:     path,
	}, nil
}

// Load reads the rows of sheet from the workbook at path. A workbook that does not
// exist yields no rows. Columns are located by their header name.
func Load(path, sheet string) ([]transform.Row, error) {

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, &StorageError{Op: "load", Path: path, Err: fmt.Errorf("sheet %q not found", sheet)}
	}

	records, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, &StorageError{Op: "load", Path: path, Err: err}
	}
	if len(records) == 0 {
		return nil, nil
	}

	cols := map[string]int{}
	for i, name := range records[0] {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"invoice_id", "updated_at"} {
		if _, ok := cols[required]; !ok {
			return nil, &StorageError{Op: "load", Path: path, Err: fmt.Errorf("column %q not found", required)}
		}
	}

	rows := make([]transform.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		row := transform.Row{
			InvoiceID:    cell("invoice_id"),
			InvoiceDate:  cell("invoice_date"),
			BusinessUnit: cell("business_unit"),
			JobType:      cell("job_type"),
		}
		if row.InvoiceID == "" {
			continue
		}
		// An unreadable timestamp loses to any incoming version but is otherwise
		// kept as it was.
		if t, err := transform.ParseTime(cell("updated_at")); err == nil {
			row.UpdatedAt = t
		} else {
			row.UpdatedAtText = cell("updated_at")
		}
		if v, err := strconv.ParseFloat(cell("total_amount"), 64); err == nil {
			row.TotalAmount = &v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Merge combines existing and incoming rows, keeping one row per invoice id. Rows are
// applied in order; a later row replaces an earlier one unless the earlier row's
// updated_at is strictly later. The result is sorted by invoice id.
func Merge(existing, incoming []transform.Row) []transform.Row {
	byID := make(map[string]transform.Row, len(existing)+len(incoming))
	for _, rows := range [][]transform.Row{existing, incoming} {
		for _, r := range rows {
			if cur, ok := byID[r.InvoiceID]; ok && cur.UpdatedAt.After(r.UpdatedAt) {
				continue
			}
			byID[r.InvoiceID] = r
		}
	}

	merged := make([]transform.Row, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	slices.SortFunc(merged, func(a, b transform.Row) int {
		return compareIDs(a.InvoiceID, b.InvoiceID)
	})
	return merged
}

// compareIDs orders numeric ids numerically and before any other ids, which are
// ordered lexically.
func compareIDs(a, b string) int {
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && bn:
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			return len(ta) - len(tb)
		}
		if c := strings.Compare(ta, tb); c != 0 {
			return c
		}
	case an:
		return -1
	case bn:
		return 1
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Write replaces the workbook at path with a single sheet holding the header and
// rows. The workbook is written to a temporary file in the same directory which is
// then renamed over path, so readers never see a partial file.
func Write(path, sheet string, rows []transform.Row) error {

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	header := make([]any, len(transform.Columns))
	for i, c := range transform.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	for i, r := range rows {
		var total any
		if r.TotalAmount != nil {
			total = *r.TotalAmount
		}
		values := []any{
			r.InvoiceID,
			r.InvoiceDate,
			r.BusinessUnit,
			r.JobType,
			total,
			r.UpdatedAtString(),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return &StorageError{Op: "write", Path: path, Err: err}
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return &StorageError{Op: "write", Path: path, Err: err}
		}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	if err := f.Write(tmp); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}
