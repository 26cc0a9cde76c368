//go:build !windows

package file

import "os"

// SyncDir fsyncs a directory so that entries created or removed in it are
// durable.
func SyncDir(dirName string) error {
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
