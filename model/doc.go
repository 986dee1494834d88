// Package model defines the core types shared across the commit store: the
// wire-level shapes written to and read from a stream's page blob, and the
// identifiers used to address buckets, streams, and commits.
//
// # Identity Types
//
//   - BucketID, StreamID: tenant/aggregate identity, joined into a blob path
//   - Checkpoint: globally monotonic, non-dense ordering number
//
// # Data Types
//
//   - CommitAttempt: caller-supplied data for a new commit
//   - Commit: a fully materialized, persisted commit
//   - CommitDefinition: the header's per-commit bookkeeping entry
//   - StreamBlobHeader: the full per-stream header, appended after all commits
//   - HeaderDefinition: the tiny (offset, size) descriptor stored in blob metadata
//   - Snapshot: a stream's latest materialized aggregate state
package model
