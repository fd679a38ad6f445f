// Package mounts provides file mounts to use as fs.FS filesystems, allowing either an
// embedded file system or, when specified, a directory on disk to be used. It is used
// to let the run ledger's sql files be replaced by edited copies on disk.
package mounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileMount is a mount that may be backed by either an embedded fs.FS or a directory.
type FileMount struct {
	MountName string
	fs.FS
}

// ErrInvalidPath reports an invalid mount name.
type ErrInvalidPath struct {
	mountName string
}

// Error fulfills the Error interface requirement for ErrInvalidPath.
func (e ErrInvalidPath) Error() string {
	tpl := strings.Join([]string{
		"mount name %q is not a valid fs.ValidPath path",
		"see https://pkg.go.dev/io/fs#ValidPath for more information.",
	}, "\n")
	return fmt.Sprintf(tpl, e.mountName)
}

// NewFileMount takes an embedded fs.FS or a path to a directory. If dirPath is "" the
// embedded fs is used, mounted at its mountName subdirectory so that it behaves like
// an os.DirFS of that directory. Otherwise the directory at dirPath is used.
//
// Given
//
//	//go:embed sql/*.sql
//	var embeddedSQL embed.FS
//
// the invocation
//
//	NewFileMount("sql", embeddedSQL, "")
//
// gives a filesystem in which "schema.sql" can be opened directly, as does
//
//	NewFileMount("sql", embeddedSQL, "/etc/invoicesync/sql")
//
// for the files held in that directory.
func NewFileMount(mountName string, embeddedFS fs.FS, dirPath string) (*FileMount, error) {

	if mountName == "" {
		return nil, errors.New("no mount name provided for new file mount")
	}
	if !fs.ValidPath(mountName) {
		return nil, ErrInvalidPath{mountName}
	}

	if dirPath == "" {
		subFS, err := fs.Sub(embeddedFS, mountName)
		if err != nil {
			return nil, fmt.Errorf("could not sub-mount embedded fs at %q: %v", mountName, err)
		}
		return &FileMount{
			mountName,
			subFS,
		}, nil
	}

	s, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("new mount at %q error: %s", dirPath, err)
	}
	if !s.IsDir() {
		return nil, fmt.Errorf("new mount at %q is not a directory", dirPath)
	}

	return &FileMount{
		mountName,
		os.DirFS(dirPath),
	}, nil
}

// Materialize writes the files in fm.FS recursively to the directory dir, which is
// created if necessary. Nothing is written if any of the target files already exists.
func (fm *FileMount) Materialize(dir string) ([]string, error) {

	var dirs, files []string
	err := fs.WalkDir(fm.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			dirs = append(dirs, path)
		case d.Type().IsRegular():
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk mount %s: %v", fm.MountName, err)
	}

	target := func(path string) string {
		return filepath.Join(dir, filepath.FromSlash(path))
	}
	for _, path := range files {
		if _, err := os.Stat(target(path)); err == nil {
			return nil, fmt.Errorf("materialization path %q already exists", target(path))
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create directory %q: %v", dir, err)
	}
	for _, path := range dirs {
		if err := os.MkdirAll(target(path), 0o755); err != nil {
			return nil, fmt.Errorf("could not make dir %q: %v", target(path), err)
		}
	}

	written := make([]string, 0, len(files))
	for _, path := range files {
		data, err := fs.ReadFile(fm.FS, path)
		if err != nil {
			return written, fmt.Errorf("could not read %q from mount %s: %v", path, fm.MountName, err)
		}
		if err := os.WriteFile(target(path), data, 0o644); err != nil {
			return written, fmt.Errorf("could not write %q from mount %s: %v", target(path), fm.MountName, err)
		}
		written = append(written, target(path))
	}
	return written, nil
}
