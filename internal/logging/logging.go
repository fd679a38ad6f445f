// Package logging sets up the application's structured logger. Records are written
// through the log/slog API to both the console and an appended log file, using a
// charmbracelet/log handler for formatting.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// TimeFormat is the UTC timestamp layout used for every log line.
const TimeFormat = "2006-01-02T15:04:05Z"

// New returns a logger writing to console and to the file at logPath, which is
// created (with its parent directory) if necessary. The returned io.Closer closes the
// log file.
func New(console io.Writer, logPath, level string) (*slog.Logger, io.Closer, error) {
	lvl, err := charmlog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("could not create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return slog.New(newHandler(io.MultiWriter(console, file), lvl)), file, nil
}

// NewWithWriter returns a logger writing only to w, which is useful for tests.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(newHandler(w, charmlog.Level(level)))
}

// Discard returns a logger which drops all records.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newHandler(w io.Writer, lvl charmlog.Level) *charmlog.Logger {
	return charmlog.NewWithOptions(w, charmlog.Options{
		Level:           lvl,
		Prefix:          "invoicesync",
		ReportTimestamp: true,
		TimeFormat:      TimeFormat,
		TimeFunction:    func(t time.Time) time.Time { return t.UTC() },
		Formatter:       charmlog.TextFormatter,
	})
}
