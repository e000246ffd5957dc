package merge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Workspace is the isolated working area a merge run stages into.
type Workspace interface {
	// Path returns the location the media engine reads or writes name at.
	Path(name string) string
	Write(name string, r io.Reader) error
	ReadFile(name string) ([]byte, error)
	// List returns the regular files in the area, sorted by name.
	List() ([]string, error)
	Remove(name string) error
}

// DirWorkspace is a Workspace over a single directory.
type DirWorkspace struct {
	dir string
}

// NewDirWorkspace creates dir if needed.
func NewDirWorkspace(dir string) (*DirWorkspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create working area: %w", err)
	}
	return &DirWorkspace{dir: dir}, nil
}

func (w *DirWorkspace) Dir() string {
	return w.dir
}

func (w *DirWorkspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

func (w *DirWorkspace) Write(name string, r io.Reader) error {
	path := w.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (w *DirWorkspace) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(w.Path(name))
}

func (w *DirWorkspace) List() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove deletes name. Removing a missing file is not an error.
func (w *DirWorkspace) Remove(name string) error {
	err := os.Remove(w.Path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
