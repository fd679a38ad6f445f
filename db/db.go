// Package db provides the sync run ledger, a small sqlite database recording each
// sync run: when it started and finished, the watermark it used and set, its record
// counts and any error.
//
// Each query is held in an sql file in the embedded `sql` directory, which can be run
// on the sqlite command line. The use of these runnable sql files as Go prepared
// statements is made possible through the parameterization scheme set out in
// parameterize.go.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx" // helper library
	_ "modernc.org/sqlite"    // pure go sqlite driver

	"invoicesync/internal/mounts"
)

// EmbeddedSQL holds the ledger's sql files in its `sql` directory.
//
//go:embed sql/*.sql
var EmbeddedSQL embed.FS

// SQLMountName is the directory of EmbeddedSQL holding the sql files.
const SQLMountName = "sql"

const (
	schemaSQL    = "schema.sql"
	runStartSQL  = "run_start.sql"
	runFinishSQL = "run_finish.sql"
	runsSQL      = "runs.sql"
)

const timeFormat = "2006-01-02T15:04:05Z"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDryRun    = "dry-run"
)

// parameterizedStmt describes an sql file parsed into an sqlx NamedStmt expecting the
// provided args.
type parameterizedStmt struct {
	sqlFile string
	args    []string
	*sqlx.NamedStmt
}

// verifyArgs determines if the number of arguments provided to a parameterizedStmt is
// as expected.
func (p *parameterizedStmt) verifyArgs(args map[string]any) error {
	if got, want := len(args), len(p.args); got != want {
		return fmt.Errorf(
			"argument length to named statement from %q incorrect: got %d want %d",
			p.sqlFile,
			got,
			want,
		)
	}
	for _, a := range p.args {
		if _, ok := args[a]; !ok {
			return fmt.Errorf("named statement from %q missing argument %q", p.sqlFile, a)
		}
	}
	return nil
}

// DB provides a wrapper around the sqlx connection for run ledger operations.
type DB struct {
	*sqlx.DB
	sqlFS fs.FS
	log   *slog.Logger

	// Prepared statements.
	runStartStmt  *parameterizedStmt
	runFinishStmt *parameterizedStmt
	runsGetStmt   *parameterizedStmt
}

// NewConnection opens (creating if necessary) the sqlite database at dbPath, ensures
// the schema exists and prepares the ledger statements. The sql files are read from
// sqlFS, or from EmbeddedSQL if sqlFS is nil.
func NewConnection(dbPath string, sqlFS fs.FS, logger *slog.Logger) (*DB, error) {

	// dataSource is the default setting for file-based databases.
	dataSource := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)

	// for in-memory test databases, check the necessary cached setting is used.
	if strings.Contains(dbPath, ":memory:") {
		if !strings.Contains(dbPath, "cache=shared") {
			return nil, fmt.Errorf("in-memory connection %q should contain '?cache=shared'", dbPath)
		}
		dataSource = dbPath
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory: %w", err)
	}

	dbDB, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, err
	}
	if err := dbDB.Ping(); err != nil {
		_ = dbDB.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if sqlFS == nil {
		mount, err := mounts.NewFileMount(SQLMountName, EmbeddedSQL, "")
		if err != nil {
			_ = dbDB.Close()
			return nil, err
		}
		sqlFS = mount
	}

	// Wrap the standard library *sql.DB with sqlx.
	db := &DB{
		DB:    sqlx.NewDb(dbDB, "sqlite"),
		sqlFS: sqlFS,
		log:   logger,
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.prepareNamedStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not prepare named statements: %w", err)
	}
	return db, nil
}

// prepareNamedStatements prepares all the named statements for this database connection.
func (db *DB) prepareNamedStatements() error {
	var err error

	db.runStartStmt, err = db.prepNamedStatement(db.sqlFS, runStartSQL)
	if err != nil {
		return fmt.Errorf("run start statement error: %w", err)
	}
	db.runFinishStmt, err = db.prepNamedStatement(db.sqlFS, runFinishSQL)
	if err != nil {
		return fmt.Errorf("run finish statement error: %w", err)
	}
	db.runsGetStmt, err = db.prepNamedStatement(db.sqlFS, runsSQL)
	if err != nil {
		return fmt.Errorf("runs statement error: %w", err)
	}
	return nil
}

// prepNamedStatement prepares an SQL query from file.
func (db *DB) prepNamedStatement(fileFS fs.FS, filePath string) (*parameterizedStmt, error) {
	query, err := ParameterizeFile(fileFS, filePath)
	if err != nil {
		return nil, fmt.Errorf("could not parameterize %q: %w", filePath, err)
	}

	pQuery, err := db.PrepareNamed(string(query.Body))
	if err != nil {
		return nil, fmt.Errorf("could not prepare statement %q: %w", filePath, err)
	}
	return &parameterizedStmt{
		filePath,
		query.Parameters,
		pQuery,
	}, nil
}

// InitSchema creates the necessary tables if they don't already exist. The schema file
// can be run idempotently.
func (db *DB) InitSchema(ctx context.Context) error {

	schema, err := fs.ReadFile(db.sqlFS, schemaSQL)
	if err != nil {
		return fmt.Errorf("could not read schema file at %q: %w", schemaSQL, err)
	}

	_, err = db.ExecContext(ctx, string(schema))
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// RunStart records the start of a run, returning the run id.
func (db *DB) RunStart(ctx context.Context, startedAt, since time.Time, dryRun bool) (int64, error) {

	stmt := db.runStartStmt

	dry := 0
	if dryRun {
		dry = 1
	}
	namedArgs := map[string]any{
		"StartedAt": startedAt.UTC().Format(timeFormat),
		"SinceUTC":  since.UTC().Format(timeFormat),
		"DryRun":    dry,
	}
	if err := stmt.verifyArgs(namedArgs); err != nil {
		return 0, fmt.Errorf("run start verify arguments error: %w", err)
	}

	result, err := stmt.ExecContext(ctx, namedArgs)
	db.logQuery("run start", stmt, namedArgs, err)
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}
	return result.LastInsertId()
}

// RunResult is the outcome of a run recorded by RunFinish.
type RunResult struct {
	FinishedAt time.Time
	Status     string
	Fetched    int
	Skipped    int
	Written    int
	Watermark  time.Time // zero when no watermark was saved
	Err        error
}

// RunFinish records the outcome of the run with id runID.
func (db *DB) RunFinish(ctx context.Context, runID int64, rr RunResult) error {

	stmt := db.runFinishStmt

	var watermark, errText any
	if !rr.Watermark.IsZero() {
		watermark = rr.Watermark.UTC().Format(timeFormat)
	}
	if rr.Err != nil {
		errText = rr.Err.Error()
	}
	namedArgs := map[string]any{
		"RunID":        runID,
		"FinishedAt":   rr.FinishedAt.UTC().Format(timeFormat),
		"Status":       rr.Status,
		"Fetched":      rr.Fetched,
		"Skipped":      rr.Skipped,
		"Written":      rr.Written,
		"WatermarkUTC": watermark,
		"ErrorText":    errText,
	}
	if err := stmt.verifyArgs(namedArgs); err != nil {
		return fmt.Errorf("run finish verify arguments error: %w", err)
	}

	result, err := stmt.ExecContext(ctx, namedArgs)
	db.logQuery("run finish", stmt, namedArgs, err)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d not found", runID)
	}
	return nil
}

// Run is the concrete type of each row returned by RunsGet.
type Run struct {
	ID           int64  `db:"id"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
	SinceUTC     string `db:"since_utc"`
	DryRun       bool   `db:"dry_run"`
	Status       string `db:"status"`
	Fetched      int    `db:"fetched"`
	Skipped      int    `db:"skipped"`
	Written      int    `db:"written"`
	WatermarkUTC string `db:"watermark_utc"`
	ErrorText    string `db:"error_text"`
}

// RunsGet returns up to limit of the most recent runs, latest first. An empty
// ledger returns sql.ErrNoRows.
func (db *DB) RunsGet(ctx context.Context, limit int) ([]Run, error) {

	stmt := db.runsGetStmt

	if limit < 1 {
		return nil, errors.New("runs limit must be at least 1")
	}
	namedArgs := map[string]any{
		"HereLimit": limit,
	}
	if err := stmt.verifyArgs(namedArgs); err != nil {
		return nil, fmt.Errorf("runs verify args error: %w", err)
	}

	var runs []Run
	err := stmt.SelectContext(ctx, &runs, namedArgs)
	db.logQuery("runs", stmt, namedArgs, err)
	if err != nil {
		return nil, fmt.Errorf("runs select error: %w", err)
	}
	if len(runs) == 0 {
		return nil, sql.ErrNoRows
	}
	return runs, nil
}

// logQuery logs statement failures, and every statement at debug level.
func (db *DB) logQuery(name string, stmt *parameterizedStmt, args map[string]any, err error) {
	if err != nil {
		db.log.Warn(fmt.Sprintf("sql %s error: %v", name, err))
	}
	db.log.Debug(fmt.Sprintf("sql: %s query %q args %#v", name, stmt.QueryString, args))
}
