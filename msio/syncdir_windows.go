package msio

// SyncDir opens a directory and syncs its contents to disk.
func SyncDir(dir string) error {
	// Windows does not support syncing a directory.
	return nil
}
