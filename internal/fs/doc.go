// Package fs provides filesystem abstractions for testability and fault
// injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open page-blob data or sidecar file (ReadAt/WriteAt, Sync, Stat)
//   - [FileSystem]: the path-level operations localblob.Store needs
//
// # Implementations
//
//   - [LocalFS]: production implementation using the standard os package
//   - [FaultyFS]: test utility that tears a WriteAt call midway through,
//     simulating a crash partway through a page write
//
// # Usage
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Tests can arm [FaultyFS] rules to simulate a torn page write:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("bucket/stream", fs.Fault{FailAfterBytes: 1024})
//	// inject ffs into component under test
//
// # Design Notes
//
// This package intentionally does NOT include context.Context parameters.
// Filesystem operations are typically fast (microseconds for local NVMe) and
// non-interruptible at the syscall level. Adding context would add overhead
// without meaningful cancellation capability.
//
// For slow operations (e.g., S3), use [pageblob.Blob], which has context
// support.
package fs
