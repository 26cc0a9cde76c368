package file

// SyncDir is a no-op on Windows; directories cannot be opened for fsync.
func SyncDir(dirName string) error {
	return nil
}
