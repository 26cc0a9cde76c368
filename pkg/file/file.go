// Package file provides helpers for durable directory and file operations.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CreateDir creates dir and any missing parents, then syncs the parent so the
// new directory entry survives a crash.
func CreateDir(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return SyncDir(filepath.Dir(dir))
}

// RemoveFile removes path and syncs its directory. Removing a file that does
// not exist is not an error.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return SyncDir(filepath.Dir(path))
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}
