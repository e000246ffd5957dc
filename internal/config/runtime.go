package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// RuntimeDirName is the folder under the data dir that the agent owns.
	RuntimeDirName = "narrato-session"

	runtimeMarker = ".narrato-runtime"
)

// ErrForeignDir is returned when a runtime folder exists but was not created
// by the agent.
var ErrForeignDir = errors.New("folder was not created by narrato")

// ResetRuntimeDir empties dir and marks it as agent-owned, creating it when
// missing. A non-empty folder without the marker is left untouched and
// ErrForeignDir is returned.
func ResetRuntimeDir(dir string) error {
	if err := ClearRuntimeDir(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create runtime folder: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, runtimeMarker), []byte("narrato\n"), 0600); err != nil {
		return fmt.Errorf("mark runtime folder: %w", err)
	}
	return nil
}

// ClearRuntimeDir removes dir if the agent created it. A missing or empty
// folder is not an error.
func ClearRuntimeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runtime folder: %w", err)
	}
	if len(entries) > 0 {
		if _, err := os.Stat(filepath.Join(dir, runtimeMarker)); err != nil {
			return fmt.Errorf("refusing to clear %s: %w", dir, ErrForeignDir)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear runtime folder: %w", err)
	}
	return nil
}
