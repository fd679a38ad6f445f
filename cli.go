package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"invoicesync/app"
	"invoicesync/transform"
)

// Applicator defines the interface for the core application logic.
// This allows the CLI to be tested independently of the main app implementation.
type Applicator interface {
	Sync(ctx context.Context, cfgPath string, opts app.SyncOptions) error
	State(ctx context.Context, cfgPath string) error
	History(ctx context.Context, cfgPath string, limit int) error
	ExportSQL(ctx context.Context, dir string) error
}

// BuildCLI creates the full CLI command structure for the application.
// It injects the core application logic (the Applicator) into the command actions.
func BuildCLI(application Applicator, now func() time.Time) *cli.Command {
	// Define flags that are common across multiple commands.
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to an optional yaml file of non-secret settings",
		Sources: cli.EnvVars("INVOICESYNC_CONFIG"),
	}

	agoFlag := &cli.StringFlag{
		Name:    "ago",
		Usage:   "fetch invoices updated within this duration instead of since the watermark (e.g., '48h')",
		Aliases: []string{"a"},
	}

	sinceFlag := &cli.StringFlag{
		Name:    "since",
		Usage:   "fetch invoices updated since this UTC time instead of since the watermark (format: '2006-01-02T15:04:05')",
		Aliases: []string{"s"},
	}

	dryRunFlag := &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "fetch and transform without writing the spreadsheet or the watermark",
	}

	// Define all application commands.
	syncCmd := &cli.Command{
		Name:  "sync",
		Usage: "Fetch invoices updated since the last run and merge them into the spreadsheet",
		Flags: []cli.Flag{configFlag, agoFlag, sinceFlag, dryRunFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			since, err := parseDateFlags(c.String("since"), c.String("ago"), now())
			if err != nil {
				return err
			}
			return application.Sync(ctx, c.String("config"), app.SyncOptions{
				Since:  since,
				DryRun: c.Bool("dry-run"),
			})
		},
	}

	stateCmd := &cli.Command{
		Name:  "state",
		Usage: "Show the stored watermark",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, c *cli.Command) error {
			return application.State(ctx, c.String("config"))
		},
	}

	historyCmd := &cli.Command{
		Name:  "history",
		Usage: "List recent sync runs",
		Flags: []cli.Flag{
			configFlag,
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "the number of runs to show"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			limit := c.Int("limit")
			if limit < 1 {
				return errors.New("--limit must be at least 1")
			}
			return application.History(ctx, c.String("config"), limit)
		},
	}

	exportSQLCmd := &cli.Command{
		Name:  "export-sql",
		Usage: "Write the run history sql files to a directory for editing (see the sql_dir setting)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "the directory to write to", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return application.ExportSQL(ctx, c.String("dir"))
		},
	}

	// Assemble the root command.
	rootCmd := &cli.Command{
		Name:     "invoicesync",
		Usage:    "Incrementally sync ServiceTitan invoices into a deduplicated spreadsheet",
		Commands: []*cli.Command{syncCmd, stateCmd, historyCmd, exportSQLCmd},
	}

	return rootCmd
}

// parseDateFlags processes the date-related flags and returns the time from which to
// fetch, or the zero time if neither flag was given. It enforces mutual exclusivity
// between --since and --ago.
func parseDateFlags(sinceStr, agoStr string, now time.Time) (time.Time, error) {

	if sinceStr != "" && agoStr != "" {
		return time.Time{}, fmt.Errorf("--since and --ago flags are mutually exclusive")
	}

	if sinceStr != "" {
		since, err := transform.ParseTime(sinceStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --since format: %w", err)
		}
		if since.After(now) {
			return time.Time{}, fmt.Errorf("--since %s is in the future", sinceStr)
		}
		return since, nil
	}

	if agoStr != "" {
		duration, err := time.ParseDuration(agoStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --ago duration format: %w", err)
		}
		if duration <= 0 {
			return time.Time{}, fmt.Errorf("--ago must be positive, got %s", agoStr)
		}
		return now.UTC().Add(-duration), nil
	}

	return time.Time{}, nil
}
