package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Fault tears a page write partway through: bytes up to FailAfterBytes
// (measured from the start of the file, not the start of the call) land
// on disk, then WriteAt returns a short write and Err, as if the process
// had crashed mid-write. FailAfterBytes of -1 disables the fault.
type Fault struct {
	FailAfterBytes int64
	Err            error
}

// FaultyFS wraps a FileSystem and tears WriteAt calls on matching files,
// so localblob's recovery from a page write interrupted mid-flight can be
// exercised deterministically instead of waiting for a real crash.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault // substring of the path -> Fault
}

// NewFaultyFS wraps fsys (or Default if nil) with fault injection.
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FS: fsys, rules: make(map[string]Fault)}
}

// AddRule arms a Fault for any path containing pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) faultFor(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, fault := range f.rules {
		if strings.Contains(name, pattern) {
			return fault, true
		}
	}
	return Fault{}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if fault, ok := f.faultFor(name); ok && fault.FailAfterBytes >= 0 {
		return &faultyFile{File: file, fault: fault}, nil
	}
	return file, nil
}

func (f *FaultyFS) Remove(name string) error             { return f.FS.Remove(name) }
func (f *FaultyFS) Rename(oldpath, newpath string) error { return f.FS.Rename(oldpath, newpath) }

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }
func (f *FaultyFS) Truncate(name string, size int64) error     { return f.FS.Truncate(name, size) }

type faultyFile struct {
	File
	fault Fault
}

// WriteAt lets bytes up to fault.FailAfterBytes land, then tears the
// write: the remainder of p is dropped and an error is returned, mirroring
// what a page write looks like after a crash partway through.
func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	limit := ff.fault.FailAfterBytes
	if off >= limit {
		return 0, ff.injectedErr(off)
	}
	if off+int64(len(p)) <= limit {
		return ff.File.WriteAt(p, off)
	}

	allowed := limit - off
	n, err := ff.File.WriteAt(p[:allowed], off)
	if err != nil {
		return n, err
	}
	return n, ff.injectedErr(off + allowed)
}

func (ff *faultyFile) injectedErr(atOffset int64) error {
	if ff.fault.Err != nil {
		return ff.fault.Err
	}
	return fmt.Errorf("fs: injected fault: torn write at offset %d", atOffset)
}
