package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"invoicesync/apiclients/servicetitan"
	"invoicesync/db"
	"invoicesync/spreadsheet"
	"invoicesync/state"
	"invoicesync/transform"
)

// InvoiceSource yields invoices updated since a point in time.
type InvoiceSource interface {
	Invoices(ctx context.Context, updatedSince time.Time) iter.Seq2[servicetitan.Invoice, error]
}

// TokenSource provides bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Ledger records sync runs.
type Ledger interface {
	RunStart(ctx context.Context, startedAt, since time.Time, dryRun bool) (int64, error)
	RunFinish(ctx context.Context, runID int64, rr db.RunResult) error
}

// SyncOptions modify a single sync run.
type SyncOptions struct {
	// Since overrides the stored watermark when not zero.
	Since time.Time
	// DryRun fetches and transforms without writing the workbook or the watermark.
	DryRun bool
}

// Summary describes a completed sync run.
type Summary struct {
	RunStart  time.Time
	Since     time.Time
	Fetched   int
	Skipped   int
	Incoming  int
	Written   int
	FilePath  string
	Watermark time.Time // zero unless saved
}

// Pipeline runs a single sync: read the watermark, fetch invoices updated since it,
// flatten them, merge them into the workbook and finally advance the watermark.
type Pipeline struct {
	Tokens    TokenSource
	Source    InvoiceSource
	State     *state.Store
	Ledger    Ledger // optional
	ExcelPath string
	Sheet     string
	Log       *slog.Logger
	Now       func() time.Time
}

// Run performs the sync. The watermark is only saved once the workbook has been
// written, so a failed run is retried in full by the next run.
func (p *Pipeline) Run(ctx context.Context, opts SyncOptions) (Summary, error) {

	now := p.Now
	if now == nil {
		now = time.Now
	}

	var sum Summary
	sum.RunStart = now().UTC()
	p.Log.Info(fmt.Sprintf("start: run at %s (dry run %t)", servicetitan.FormatTime(sum.RunStart), opts.DryRun))

	// Watermark.
	if !opts.Since.IsZero() {
		sum.Since = opts.Since.UTC()
		p.Log.Info(fmt.Sprintf("state: using requested start %s", servicetitan.FormatTime(sum.Since)))
	} else {
		since, err := p.State.Read(sum.RunStart)
		if err != nil {
			p.Log.Warn(fmt.Sprintf("state: %v; using default lookback", err))
		}
		sum.Since = since
		p.Log.Info(fmt.Sprintf("state: fetching invoices updated since %s", servicetitan.FormatTime(sum.Since)))
	}

	runID := p.runStart(ctx, sum.RunStart, sum.Since, opts.DryRun)

	err := p.run(ctx, opts, &sum)

	status := db.StatusSucceeded
	switch {
	case err != nil:
		status = db.StatusFailed
		p.Log.Error(fmt.Sprintf("completion: run failed, watermark not advanced: %v", err))
	case opts.DryRun:
		status = db.StatusDryRun
	}
	p.runFinish(ctx, runID, db.RunResult{
		FinishedAt: now().UTC(),
		Status:     status,
		Fetched:    sum.Fetched,
		Skipped:    sum.Skipped,
		Written:    sum.Written,
		Watermark:  sum.Watermark,
		Err:        err,
	})
	return sum, err
}

func (p *Pipeline) run(ctx context.Context, opts SyncOptions, sum *Summary) error {

	if _, err := p.Tokens.Token(ctx); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	p.Log.Info("token: acquired")

	var invoices []servicetitan.Invoice
	for inv, err := range p.Source.Invoices(ctx, sum.Since) {
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		invoices = append(invoices, inv)
	}
	sum.Fetched = len(invoices)
	p.Log.Info(fmt.Sprintf("fetch: %d invoices", sum.Fetched))

	rows, skipped := transform.FlattenAll(invoices, p.Log)
	sum.Skipped = skipped
	sum.Incoming = len(rows)
	p.Log.Info(fmt.Sprintf("transform: %d rows, %d skipped", len(rows), skipped))

	if opts.DryRun {
		p.Log.Info(fmt.Sprintf("completion: dry run, %d rows not written to %s", len(rows), p.ExcelPath))
		return nil
	}

	result, err := spreadsheet.MergeAndWrite(p.ExcelPath, p.Sheet, rows)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	sum.Written = result.RowsWritten
	sum.FilePath = result.FilePath
	p.Log.Info(fmt.Sprintf("export: %d incoming rows, %d rows in %s", result.RowsIncoming, result.RowsWritten, result.FilePath))

	watermark, err := p.State.Save(sum.RunStart)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	sum.Watermark = watermark
	p.Log.Info(fmt.Sprintf("completion: watermark advanced to %s", servicetitan.FormatTime(watermark)))
	return nil
}

// runStart records the run in the ledger, returning 0 if there is no ledger or the
// record failed.
func (p *Pipeline) runStart(ctx context.Context, startedAt, since time.Time, dryRun bool) int64 {
	if p.Ledger == nil {
		return 0
	}
	id, err := p.Ledger.RunStart(context.WithoutCancel(ctx), startedAt, since, dryRun)
	if err != nil {
		p.Log.Warn(fmt.Sprintf("history: could not record run start: %v", err))
		return 0
	}
	return id
}

func (p *Pipeline) runFinish(ctx context.Context, runID int64, rr db.RunResult) {
	if p.Ledger == nil || runID == 0 {
		return
	}
	// A cancelled run is still recorded.
	ctx = context.WithoutCancel(ctx)
	if err := p.Ledger.RunFinish(ctx, runID, rr); err != nil {
		p.Log.Warn(fmt.Sprintf("history: could not record run finish: %v", err))
	}
}

// IsCancelled reports whether err stems from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
