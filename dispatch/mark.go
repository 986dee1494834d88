package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
)

// MarkDispatched implements §4.5's mark_dispatched: resolve the header,
// find the matching CommitDefinition by commit_id, set is_dispatched,
// decrement undispatched_commit_count, and rewrite the header at the same
// offset using the resolved descriptor as the write precondition. No
// page-data rewrite.
func (t *Tracker) MarkDispatched(ctx context.Context, bucket model.BucketID, stream model.StreamID, commitID uuid.UUID) error {
	name := fmt.Sprintf("%s/%s", bucket, stream)
	b, ok, err := t.Client.GetAssumingExists(ctx, name)
	if err != nil {
		return fmt.Errorf("dispatch: get blob: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	resolved, err := header.Resolve(ctx, b)
	if t.Logger != nil {
		t.Logger.LogHeaderResolve(ctx, bucket, stream, resolved.Fresh, err)
	}
	if err != nil {
		return err
	}

	defs := make([]model.CommitDefinition, len(resolved.Header.CommitDefinitions))
	copy(defs, resolved.Header.CommitDefinitions)

	found := false
	var matchedCheckpoint model.Checkpoint
	for i := range defs {
		if defs[i].CommitID == commitID {
			matchedCheckpoint = defs[i].Checkpoint
			defs[i].IsDispatched = true
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	undispatched := uint32(header.UndispatchedBitmap(defs).GetCardinality())

	if t.CheckpointLog != nil {
		if err := t.CheckpointLog.Append(ctx, bucket, commitID, matchedCheckpoint, t.now()); err != nil {
			return fmt.Errorf("dispatch: append checkpoint log: %w", err)
		}
	}

	newHeader := model.StreamBlobHeader{
		CommitDefinitions:       defs,
		UndispatchedCommitCount: undispatched,
		LastCommitSequence:      resolved.Header.LastCommitSequence,
	}

	frame, err := header.EncodeHeader(t.Serializer, newHeader)
	if err != nil {
		return fmt.Errorf("dispatch: encode header: %w", err)
	}

	// Header-only rewrite at the same offset, using the same protocol as
	// §4.4 steps 8-9: the aligned write must preserve whatever commit
	// payload bytes share the header's first page.
	headerStart := int64(resolved.Descriptor.HeaderStartOffsetBytes)
	writeStartAligned := alignDown(headerStart)
	prefixLen := headerStart - writeStartAligned
	amountAligned := pageblob.AlignUp(prefixLen + int64(len(frame)))

	var prefix []byte
	if prefixLen > 0 {
		prefix, err = b.DownloadBytes(ctx, writeStartAligned, headerStart)
		if err != nil {
			return fmt.Errorf("dispatch: read header page prefix: %w", err)
		}
	}

	padded := make([]byte, amountAligned)
	copy(padded, prefix)
	copy(padded[prefixLen:], frame)

	md := cloneMD(resolved.Metadata)
	md[header.MetaPrimaryHeaderDef] = header.EncodeHeaderDefinition(model.HeaderDefinition{
		HeaderStartOffsetBytes: uint64(headerStart),
		HeaderSizeBytes:        uint32(len(frame)),
	})
	md[header.MetaFallbackHeaderDef] = header.EncodeHeaderDefinition(resolved.Descriptor)
	tertiary := resolved.Descriptor
	tertiary.HeaderStartOffsetBytes = uint64(headerStart)
	md[header.MetaTertiaryHeaderDef] = header.EncodeHeaderDefinition(tertiary)
	if undispatched == 0 {
		md[header.MetaHasUndispatchedCommits] = "False"
	} else {
		md[header.MetaHasUndispatchedCommits] = "True"
	}

	postMetaEtag, err := b.SetMetadata(ctx, md, pageblob.Precondition{ETag: resolved.ETag})
	if err != nil {
		return translateErr(err)
	}
	if err := b.Write(ctx, padded, writeStartAligned, pageblob.Precondition{ETag: postMetaEtag}); err != nil {
		return translateErr(err)
	}
	return nil
}

func alignDown(n int64) int64 {
	return (n / pageblob.PageSizeBytes) * pageblob.PageSizeBytes
}

func cloneMD(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func translateErr(err error) error {
	if errors.Is(err, pageblob.ErrConcurrency) {
		return ErrConcurrency
	}
	return err
}
