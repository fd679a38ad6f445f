// Package state persists the sync watermark, the UTC time from which the next run
// requests updated invoices.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultLookback is how far back a run reaches when no watermark is stored.
const DefaultLookback = 7 * 24 * time.Hour

const timeFormat = "2006-01-02T15:04:05Z"

// StorageError reports a failure to read or write the state file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type stateFile struct {
	LastSyncUTC string `json:"last_sync_utc"`
}

// Store reads and writes the watermark file.
type Store struct {
	path string
}

// NewStore returns a Store for the state file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Read returns the stored watermark. If no state file exists the default watermark,
// now less DefaultLookback, is returned. If the file exists but cannot be read or
// parsed the default watermark is returned together with a *StorageError, which the
// caller may treat as a warning.
func (s *Store) Read(now time.Time) (time.Time, error) {
	fallback := now.UTC().Add(-DefaultLookback)

	t, ok, err := s.load()
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	return t, nil
}

// Stored returns the stored watermark and whether one exists.
func (s *Store) Stored() (time.Time, bool, error) {
	return s.load()
}

func (s *Store) load() (time.Time, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return time.Time{}, false, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	if sf.LastSyncUTC == "" {
		return time.Time{}, false, &StorageError{Op: "read", Path: s.path, Err: errors.New("last_sync_utc missing")}
	}
	t, err := time.Parse(time.RFC3339, sf.LastSyncUTC)
	if err != nil {
		return time.Time{}, false, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	return t.UTC(), true, nil
}

// Save stores t as the watermark, truncated to the second. The watermark never moves
// backwards: if the stored value is later than t it is kept. The stored watermark is
// returned.
func (s *Store) Save(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Second)
	if current, ok, err := s.load(); err == nil && ok && current.After(t) {
		return current, nil
	}

	data, err := json.MarshalIndent(stateFile{LastSyncUTC: t.Format(timeFormat)}, "", "  ")
	if err != nil {
		return time.Time{}, &StorageError{Op: "write", Path: s.path, Err: err}
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return time.Time{}, &StorageError{Op: "write", Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return time.Time{}, &StorageError{Op: "write", Path: s.path, Err: err}
	}
	return t, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
