// Package fs abstracts the filesystem calls localblob.Store needs to treat
// a directory of flat files as a set of page blobs: an open file handle
// that supports ReadAt/WriteAt (pages are rewritten in place at arbitrary
// offsets, never appended) plus the handful of path operations needed to
// create, rename, and truncate the backing data and sidecar files.
// FaultyFS wraps a FileSystem to tear a page write midway so localblob's
// recovery path can be exercised without an actual crash.
package fs

import (
	"io"
	"os"
)

// File is an open page-blob data or sidecar file.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem is the subset of path-level operations localblob.Store needs.
// There is no path-based Stat: every caller that needs a file's size
// already holds an open File and uses its Stat method instead.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
	Truncate(name string, size int64) error
}

// LocalFS implements FileSystem directly on the host OS.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (LocalFS) Remove(name string) error             { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }
func (LocalFS) Truncate(name string, size int64) error     { return os.Truncate(name, size) }

// Default is the production FileSystem.
var Default FileSystem = LocalFS{}
