// Package app is the central orchestrator for invoicesync. It coordinates the
// configuration, the ServiceTitan API client, the invoices workbook, the watermark
// and the run ledger.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"invoicesync/apiclients/servicetitan"
	"invoicesync/config"
	"invoicesync/db"
	"invoicesync/internal/logging"
	"invoicesync/internal/mounts"
	"invoicesync/internal/token"
	"invoicesync/state"
)

// App is the central orchestrator for the application's business logic.
type App struct {
	out     io.Writer // command output
	console io.Writer // console side of the log
	now     func() time.Time
}

// New creates and returns a new App instance writing to stdout and logging to stderr.
func New() *App {
	return &App{
		out:     os.Stdout,
		console: os.Stderr,
		now:     time.Now,
	}
}

// Sync runs a single incremental sync of invoices into the workbook.
func (a *App) Sync(ctx context.Context, cfgPath string, opts SyncOptions) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(a.console, cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	tokens, err := token.NewProvider(cfg.OAuth2Config, httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create token provider: %w", err)
	}

	client, err := servicetitan.NewAPIClient(
		servicetitan.Options{
			BaseURL:           cfg.BaseURL,
			TenantID:          cfg.TenantID,
			AppKey:            cfg.AppKey,
			PageSize:          cfg.PageSize,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Retry: servicetitan.RetryPolicy{
				MaxAttempts:   cfg.MaxAttempts,
				InitialDelay:  servicetitan.DefaultRetryPolicy.InitialDelay,
				MaxDelay:      servicetitan.DefaultRetryPolicy.MaxDelay,
				BackoffFactor: servicetitan.DefaultRetryPolicy.BackoffFactor,
			},
		},
		tokens,
		httpClient,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create servicetitan client: %w", err)
	}

	p := &Pipeline{
		Tokens:    tokens,
		Source:    client,
		State:     state.NewStore(cfg.StatePath),
		ExcelPath: cfg.ExcelPath,
		Sheet:     config.SheetName,
		Log:       logger,
		Now:       a.now,
	}

	if cfg.HistoryEnabled() {
		ledger, err := openLedger(cfg, logger)
		if err != nil {
			logger.Warn(fmt.Sprintf("history: run ledger unavailable: %v", err))
		} else {
			defer ledger.Close()
			p.Ledger = ledger
		}
	}

	sum, err := p.Run(ctx, opts)
	if err != nil {
		if IsCancelled(err) {
			return fmt.Errorf("sync interrupted: %w", err)
		}
		return err
	}
	logger.Info(
		"completion: sync finished",
		slog.Int("fetched", sum.Fetched),
		slog.Int("skipped", sum.Skipped),
		slog.Int("written", sum.Written),
	)
	return nil
}

// State reports the stored watermark.
func (a *App) State(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.StatePath)
	watermark, ok, err := store.Stored()
	if err != nil {
		fmt.Fprintf(a.out, "state file %s is unreadable: %v\n", store.Path(), err)
	}
	if !ok {
		next := a.now().UTC().Add(-state.DefaultLookback)
		fmt.Fprintf(a.out, "no watermark stored; the next sync fetches invoices updated since %s\n", servicetitan.FormatTime(next))
		return nil
	}
	fmt.Fprintf(a.out, "last_sync_utc: %s\n", servicetitan.FormatTime(watermark))
	return nil
}

// History lists the most recent sync runs from the run ledger.
func (a *App) History(ctx context.Context, cfgPath string, limit int) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if !cfg.HistoryEnabled() {
		return errors.New("the run ledger is disabled (HISTORY_DB_PATH is \"-\")")
	}

	ledger, err := openLedger(cfg, logging.Discard())
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.RunsGet(ctx, limit)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Fprintln(a.out, "no runs recorded")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, runsTable(runs))
	return nil
}

// ExportSQL writes the run ledger's sql files to dir, from where they may be edited
// and used in place of the embedded files with the sql_dir setting, or run on the
// sqlite command line.
func (a *App) ExportSQL(ctx context.Context, dir string) error {
	mount, err := mounts.NewFileMount(db.SQLMountName, db.EmbeddedSQL, "")
	if err != nil {
		return err
	}
	written, err := mount.Materialize(dir)
	if err != nil {
		return fmt.Errorf("failed to export sql files: %w", err)
	}
	for _, w := range written {
		fmt.Fprintln(a.out, w)
	}
	return nil
}

// openLedger opens the run ledger using the configured sql files.
func openLedger(cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	mount, err := mounts.NewFileMount(db.SQLMountName, db.EmbeddedSQL, cfg.SQLDir)
	if err != nil {
		return nil, fmt.Errorf("failed to mount ledger sql: %w", err)
	}
	ledger, err := db.NewConnection(cfg.HistoryDBPath, mount, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}
	return ledger, nil
}

// runsTable renders runs as a table.
func runsTable(runs []db.Run) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STARTED", "FINISHED", "SINCE", "STATUS", "FETCHED", "SKIPPED", "WRITTEN", "WATERMARK", "ERROR")
	for _, r := range runs {
		status := r.Status
		if r.DryRun && status != db.StatusDryRun {
			status += " (dry run)"
		}
		t.Row(
			strconv.FormatInt(r.ID, 10),
			r.StartedAt,
			r.FinishedAt,
			r.SinceUTC,
			status,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.Written),
			r.WatermarkUTC,
			r.ErrorText,
		)
	}
	return t.Render()
}
