package fsx

import (
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path with write-then-rename semantics:
// the bytes go to a sibling temp file which is synced, closed and then
// renamed over path, followed by a directory sync. A reader never
// observes a partially written file.
func WriteFileAtomic(fs FileSystem, path string, data []byte, perm os.FileMode) error {
	fs = Or(fs)

	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return err
	}
	return SyncDir(fs, filepath.Dir(path))
}

// SyncDir fsyncs a directory so a preceding rename is durable.
func SyncDir(fs FileSystem, dir string) error {
	f, err := fs.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
