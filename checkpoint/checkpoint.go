// Package checkpoint implements C7: a monotonically increasing 64-bit
// checkpoint allocator backed by the object store's per-blob sequence
// number primitive.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/evsrc-io/evsrc/pageblob"
)

// RootContainer is the reserved container name for the checkpoint blob,
// matching the "$root" convention of §6. New does not use it: it creates
// BlobName in the namespace of the client it is given.
const RootContainer = "$root"

// BlobName is the checkpoint blob's well-known name inside RootContainer.
const BlobName = "checkpoint"

// Allocator hands out checkpoint numbers. Implementations must guarantee
// global monotonicity but not density: holes are permitted if a commit
// later fails.
type Allocator interface {
	Next(ctx context.Context) (uint64, error)
}

// BlobAllocator is an Allocator backed by one page blob's
// IncrementSequenceNumber primitive.
type BlobAllocator struct {
	client pageblob.Client
	blob   pageblob.Blob
}

// New creates a BlobAllocator, creating the checkpoint blob (a single
// page) in client's namespace if it does not already exist.
func New(ctx context.Context, client pageblob.Client) (*BlobAllocator, error) {
	b, err := client.CreateIfNotExists(ctx, BlobName, 1)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create checkpoint blob: %w", err)
	}
	return &BlobAllocator{client: client, blob: b}, nil
}

// Next implements Allocator.
func (a *BlobAllocator) Next(ctx context.Context) (uint64, error) {
	seq, err := a.blob.IncrementSequenceNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: increment sequence number: %w", err)
	}
	return seq, nil
}
