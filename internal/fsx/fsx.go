// Package fsx is the filesystem seam for the pipeline. All durable state
// (chunks, shards, manifests, checkpoint files, markers) goes through a
// FileSystem so tests can inject write, sync and rename failures.
package fsx

import (
	"io"
	"os"
)

// File is an open file.
type File interface {
	io.ReadWriteCloser
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem abstracts the filesystem operations the pipeline performs.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
}

// OS implements FileSystem on the local filesystem.
type OS struct{}

func (OS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (OS) Remove(name string) error                  { return os.Remove(name) }
func (OS) RemoveAll(path string) error               { return os.RemoveAll(path) }
func (OS) Rename(oldpath, newpath string) error      { return os.Rename(oldpath, newpath) }
func (OS) Stat(name string) (os.FileInfo, error)     { return os.Stat(name) }
func (OS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (OS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

// Default is the local filesystem.
var Default FileSystem = OS{}

// Or returns fs, or Default if fs is nil.
func Or(fs FileSystem) FileSystem {
	if fs == nil {
		return Default
	}
	return fs
}
