package mounts

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
)

var embedded = fstest.MapFS{
	"sql/schema.sql":    {Data: []byte("CREATE TABLE t (a);")},
	"sql/runs.sql":      {Data: []byte("SELECT 1;")},
	"sql/extra/one.sql": {Data: []byte("SELECT 2;")},
}

func TestMounts(t *testing.T) {

	diskDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(diskDir, "runs.sql"), []byte("SELECT 99;"), 0o644); err != nil {
		t.Fatal(err)
	}
	notDir := filepath.Join(diskDir, "runs.sql")

	tests := []struct {
		name      string
		mountName string
		dirPath   string
		wantRuns  string
		wantErr   error
	}{
		{
			name:      "embedded fs mount",
			mountName: "sql",
			wantRuns:  "SELECT 1;",
		},
		{
			name:      "directory fs mount",
			mountName: "sql",
			dirPath:   diskDir,
			wantRuns:  "SELECT 99;",
		},
		{
			name:      "directory fs mount fail",
			mountName: "sql",
			dirPath:   filepath.Join(diskDir, "doesNotExist"),
			wantErr:   errors.New("new mount at"),
		},
		{
			name:      "not a directory",
			mountName: "sql",
			dirPath:   notDir,
			wantErr:   errors.New("is not a directory"),
		},
		{
			name:      "invalid mount name",
			mountName: "../sql",
			wantErr:   ErrInvalidPath{"../sql"},
		},
		{
			name:    "no mount name",
			wantErr: errors.New("no mount name"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, err := NewFileMount(tt.mountName, embedded, tt.dirPath)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr.Error()) {
					t.Fatalf("error got %q want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			got, err := fs.ReadFile(fm, "runs.sql")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.wantRuns {
				t.Errorf("runs.sql got %q want %q", got, tt.wantRuns)
			}
		})
	}
}

func TestMaterialize(t *testing.T) {

	fm, err := NewFileMount("sql", embedded, "")
	if err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "out")
	written, err := fm.Materialize(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(dir, "extra", "one.sql"),
		filepath.Join(dir, "runs.sql"),
		filepath.Join(dir, "schema.sql"),
	}
	if diff := cmp.Diff(want, written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	got, err := os.ReadFile(filepath.Join(dir, "schema.sql"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "CREATE TABLE t (a);" {
		t.Errorf("schema.sql got %q", got)
	}

	// A second materialization refuses to overwrite.
	if _, err := fm.Materialize(dir); err == nil {
		t.Error("expected an error materializing over existing files")
	}
}

// TestMaterializeNoPartialWrite checks that an existing target file stops the
// materialization before any file is written.
func TestMaterializeNoPartialWrite(t *testing.T) {

	fm, err := NewFileMount("sql", embedded, "")
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "schema.sql"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := fm.Materialize(dir)
	if err == nil {
		t.Fatal("expected an error materializing over an existing file")
	}
	if len(written) != 0 {
		t.Errorf("expected nothing written, got %v", written)
	}
	for _, name := range []string{"runs.sql", filepath.Join("extra", "one.sql")} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s should not have been written, stat err %v", name, err)
		}
	}
	got, err := os.ReadFile(filepath.Join(dir, "schema.sql"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "edited" {
		t.Errorf("schema.sql was overwritten: %q", got)
	}
}
