package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PageSizeBytes is the fixed addressable unit of a page blob, matching the
// 512-byte page granularity of the underlying object store primitive.
const PageSizeBytes = 512

// PagesForBytes returns the number of whole pages needed to hold n bytes.
func PagesForBytes(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return (n + PageSizeBytes - 1) / PageSizeBytes
}

// BucketID identifies a tenant/namespace partition.
type BucketID string

// StreamID identifies an aggregate's identity within a bucket.
type StreamID string

// Checkpoint is the globally monotonic (but non-dense) 64-bit ordering
// number assigned to a commit by the checkpoint allocator.
type Checkpoint uint64

// CommitAttempt is the caller-supplied data for a new commit, as accepted
// by the commit engine's Commit operation.
type CommitAttempt struct {
	BucketID       BucketID
	StreamID       StreamID
	CommitID       uuid.UUID
	CommitSequence uint32
	StreamRevision uint32
	CommitStampUTC time.Time
	Headers        map[string]string
	Events         [][]byte
}

// Commit is a fully persisted commit, as returned by the commit engine and
// by the query layer.
type Commit struct {
	BucketID       BucketID
	StreamID       StreamID
	CommitID       uuid.UUID
	CommitSequence uint32
	StreamRevision uint32
	CommitStampUTC time.Time
	Checkpoint     Checkpoint
	Headers        map[string]string
	Events         [][]byte
}

// String renders a Commit for logs/errors. It omits event payloads.
func (c Commit) String() string {
	return fmt.Sprintf("Commit(bucket=%s stream=%s seq=%d rev=%d chk=%d id=%s)",
		c.BucketID, c.StreamID, c.CommitSequence, c.StreamRevision, c.Checkpoint, c.CommitID)
}

// CommitDefinition is the header's per-commit bookkeeping entry: where the
// commit's serialized payload lives on the blob, and whether it has been
// dispatched downstream yet.
type CommitDefinition struct {
	DataSizeBytes  uint32
	CommitID       uuid.UUID
	StreamRevision uint32
	CommitStampUTC time.Time
	Ordinal        uint32
	StartPage      uint32
	Checkpoint     Checkpoint
	IsDispatched   bool
}

// TotalPagesUsed is the derived page count a commit's payload occupies.
func (d CommitDefinition) TotalPagesUsed() uint32 {
	return PagesForBytes(d.DataSizeBytes)
}

// StreamBlobHeader describes the full contents of a stream blob. It is
// (re)serialized and rewritten after every commit and after every dispatch
// flip; it never moves the already-written commit payloads it describes.
type StreamBlobHeader struct {
	CommitDefinitions       []CommitDefinition
	UndispatchedCommitCount uint32
	LastCommitSequence      uint32
}

// Append returns a new header with def appended and bookkeeping counters
// updated. commitSequence becomes the new LastCommitSequence; it travels
// separately from def because CommitDefinition carries no commit_sequence
// field of its own (§3). The receiver is not mutated.
func (h StreamBlobHeader) Append(def CommitDefinition, commitSequence uint32) StreamBlobHeader {
	defs := make([]CommitDefinition, len(h.CommitDefinitions)+1)
	copy(defs, h.CommitDefinitions)
	defs[len(defs)-1] = def

	undispatched := h.UndispatchedCommitCount
	if !def.IsDispatched {
		undispatched++
	}

	return StreamBlobHeader{
		CommitDefinitions:       defs,
		UndispatchedCommitCount: undispatched,
		LastCommitSequence:      commitSequence,
	}
}

// NextStartPage returns the page offset a newly appended commit's payload
// would begin at: the sum of TotalPagesUsed over every existing definition.
func (h StreamBlobHeader) NextStartPage() uint32 {
	var pages uint32
	for _, d := range h.CommitDefinitions {
		pages += d.TotalPagesUsed()
	}
	return pages
}

// HasCommitID reports whether any definition in the header already carries
// the given commit id (used for duplicate-commit detection).
func (h StreamBlobHeader) HasCommitID(id uuid.UUID) bool {
	for _, d := range h.CommitDefinitions {
		if d.CommitID == id {
			return true
		}
	}
	return false
}

// HeaderDefinition is the tiny descriptor persisted in blob metadata,
// naming where the current StreamBlobHeader lives on the blob. Its on-wire
// form is fixed: little-endian uint64 offset followed by little-endian
// uint32 size, then base64-encoded (see package header).
type HeaderDefinition struct {
	HeaderStartOffsetBytes uint64
	HeaderSizeBytes        uint32
}

// IsZero reports whether the descriptor names no header at all.
func (d HeaderDefinition) IsZero() bool {
	return d.HeaderSizeBytes == 0
}

// Snapshot is a stream's latest materialized aggregate state, stored in a
// sibling blob rather than inline in the stream's commit blob.
type Snapshot struct {
	BucketID       BucketID
	StreamID       StreamID
	StreamRevision uint32
	Payload        []byte
}
