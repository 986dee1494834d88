// Package commitlog implements C4, the commit engine: appending a new
// commit to a stream blob, updating the header in place, and publishing
// the new descriptor chain atomically enough to be recoverable (§4.4).
//
// The load-modify-atomically-publish shape of steps 8-10 generalizes a
// CURRENT-pointer swap under a single mutex to the chained-etag
// metadata-then-data sequence this engine needs.
package commitlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/serializer"
)

var (
	// ErrDuplicateCommit is returned when commit_id already appears in
	// the stream's header.
	ErrDuplicateCommit = errors.New("commitlog: duplicate commit")

	// ErrConcurrency is returned when commit_sequence is not greater
	// than the stream's last_commit_sequence, or an etag precondition is
	// lost to a concurrent writer.
	ErrConcurrency = errors.New("commitlog: concurrency conflict")

	// ErrCorrupt is returned when a commit payload fails to deserialize.
	ErrCorrupt = errors.New("commitlog: corrupt commit payload")
)

// Logger receives structured observability for Commit's header-resolution
// and checkpoint-allocation steps. *evsrc.Logger satisfies this.
type Logger interface {
	LogCheckpoint(ctx context.Context, value uint64, err error)
	LogHeaderResolve(ctx context.Context, bucket model.BucketID, stream model.StreamID, fresh bool, err error)
}

// Engine appends commits to stream blobs inside one pageblob.Client
// namespace (one container).
type Engine struct {
	Client     pageblob.Client
	Serializer serializer.Serializer
	Checkpoint checkpoint.Allocator
	BlobPages  uint32

	// Logger receives checkpoint-allocation and header-resolution
	// outcomes. Nil disables logging.
	Logger Logger
}

// wireCommit is the self-describing byte form of a Commit written to the
// blob, mirroring StreamBlobHeader's wireHeader wrapping in package
// header: the serializer name travels with the bytes so a reader can
// select the matching Serializer regardless of the engine's configured
// default.
type wireCommit struct {
	SerializerName string        `json:"serializer"`
	BucketID       model.BucketID `json:"bucket_id"`
	StreamID       model.StreamID `json:"stream_id"`
	CommitID       uuid.UUID      `json:"commit_id"`
	CommitSequence uint32         `json:"commit_sequence"`
	StreamRevision uint32         `json:"stream_revision"`
	CommitStampUTC string         `json:"commit_stamp_utc"`
	Headers        map[string]string `json:"headers"`
	Events         [][]byte       `json:"events"`
}

func blobName(bucket model.BucketID, stream model.StreamID) string {
	return fmt.Sprintf("%s/%s", bucket, stream)
}

// Commit implements §4.4's algorithm. It returns ErrDuplicateCommit,
// ErrConcurrency, ErrCorrupt, or a pageblob-layer error (wrapped) on
// failure.
func (e *Engine) Commit(ctx context.Context, attempt model.CommitAttempt) (model.Commit, error) {
	b, err := e.Client.CreateIfNotExists(ctx, blobName(attempt.BucketID, attempt.StreamID), e.BlobPages)
	if err != nil {
		return model.Commit{}, fmt.Errorf("commitlog: ensure blob: %w", err)
	}

	resolved, err := header.Resolve(ctx, b)
	if e.Logger != nil {
		e.Logger.LogHeaderResolve(ctx, attempt.BucketID, attempt.StreamID, resolved.Fresh, err)
	}
	if err != nil {
		return model.Commit{}, err
	}

	if resolved.Header.HasCommitID(attempt.CommitID) {
		return model.Commit{}, ErrDuplicateCommit
	}
	if attempt.CommitSequence <= resolved.Header.LastCommitSequence {
		return model.Commit{}, ErrConcurrency
	}

	checkpointNum, err := e.Checkpoint.Next(ctx)
	if e.Logger != nil {
		e.Logger.LogCheckpoint(ctx, checkpointNum, err)
	}
	if err != nil {
		return model.Commit{}, fmt.Errorf("commitlog: allocate checkpoint: %w", err)
	}

	payload, err := e.serializeCommit(attempt)
	if err != nil {
		return model.Commit{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	startPage := resolved.Header.NextStartPage()
	def := model.CommitDefinition{
		DataSizeBytes:  uint32(len(payload)),
		CommitID:       attempt.CommitID,
		StreamRevision: attempt.StreamRevision,
		CommitStampUTC: attempt.CommitStampUTC,
		Ordinal:        uint32(len(resolved.Header.CommitDefinitions)),
		StartPage:      startPage,
		Checkpoint:     model.Checkpoint(checkpointNum),
		IsDispatched:   false,
	}
	newHeader := resolved.Header.Append(def, attempt.CommitSequence)

	headerFrame, err := header.EncodeHeader(e.Serializer, newHeader)
	if err != nil {
		return model.Commit{}, fmt.Errorf("commitlog: encode header: %w", err)
	}

	writeStartAligned := int64(startPage) * pageblob.PageSizeBytes
	newHeaderOffsetNonaligned := writeStartAligned + int64(len(payload))
	amountAligned := pageblob.AlignUp(int64(len(payload)) + int64(len(headerFrame)))
	totalNeeded := writeStartAligned + amountAligned

	if totalNeeded > b.Size() {
		if err := b.Resize(ctx, totalNeeded); err != nil {
			return model.Commit{}, fmt.Errorf("commitlog: resize blob: %w", err)
		}
	}

	isFirstWrite := resolved.Fresh

	md := cloneMetadata(resolved.Metadata)
	md[header.MetaPrimaryHeaderDef] = header.EncodeHeaderDefinition(model.HeaderDefinition{
		HeaderStartOffsetBytes: uint64(newHeaderOffsetNonaligned),
		HeaderSizeBytes:        uint32(len(headerFrame)),
	})
	if !isFirstWrite {
		md[header.MetaFallbackHeaderDef] = header.EncodeHeaderDefinition(resolved.Descriptor)
		tertiary := resolved.Descriptor
		tertiary.HeaderStartOffsetBytes = uint64(newHeaderOffsetNonaligned)
		md[header.MetaTertiaryHeaderDef] = header.EncodeHeaderDefinition(tertiary)
		md[header.MetaFirstWriteCompleted] = "t"
	} else {
		md[header.MetaFirstWriteCompleted] = "f"
	}
	md[header.MetaIsEventStreamAggregate] = "yes"
	md[header.MetaHasUndispatchedCommits] = "True"

	postMetaEtag, err := b.SetMetadata(ctx, md, pageblob.Precondition{ETag: resolved.ETag})
	if err != nil {
		return model.Commit{}, translateConcurrency(err)
	}

	padded := make([]byte, amountAligned)
	copy(padded, payload)
	copy(padded[len(payload):], headerFrame)

	if err := b.Write(ctx, padded, writeStartAligned, pageblob.Precondition{ETag: postMetaEtag}); err != nil {
		return model.Commit{}, translateConcurrency(err)
	}

	if isFirstWrite {
		_, etag, err := b.GetMetadata(ctx)
		if err != nil {
			return model.Commit{}, fmt.Errorf("commitlog: re-read metadata: %w", err)
		}
		md[header.MetaFirstWriteCompleted] = "t"
		if _, err := b.SetMetadata(ctx, md, pageblob.Precondition{ETag: etag}); err != nil {
			return model.Commit{}, translateConcurrency(err)
		}
	}

	return model.Commit{
		BucketID:       attempt.BucketID,
		StreamID:       attempt.StreamID,
		CommitID:       attempt.CommitID,
		CommitSequence: attempt.CommitSequence,
		StreamRevision: attempt.StreamRevision,
		CommitStampUTC: attempt.CommitStampUTC,
		Checkpoint:     model.Checkpoint(checkpointNum),
		Headers:        attempt.Headers,
		Events:         attempt.Events,
	}, nil
}

func (e *Engine) serializeCommit(a model.CommitAttempt) ([]byte, error) {
	s := e.Serializer
	if s == nil {
		s = serializer.Default
	}
	wc := wireCommit{
		SerializerName: s.Name(),
		BucketID:       a.BucketID,
		StreamID:       a.StreamID,
		CommitID:       a.CommitID,
		CommitSequence: a.CommitSequence,
		StreamRevision: a.StreamRevision,
		CommitStampUTC: a.CommitStampUTC.Format(rfc3339Nano),
		Headers:        a.Headers,
		Events:         a.Events,
	}
	return s.Serialize(wc)
}

// DeserializeCommit is exported for package query, which materializes
// Commit values from raw ranged reads rather than through Commit.
func DeserializeCommit(data []byte) (model.Commit, error) {
	var probe struct {
		SerializerName string `json:"serializer"`
	}
	if err := (serializer.JSON{}).Deserialize(data, &probe); err != nil {
		return model.Commit{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s, ok := serializer.ByName(probe.SerializerName)
	if !ok {
		return model.Commit{}, fmt.Errorf("%w: unknown serializer %q", ErrCorrupt, probe.SerializerName)
	}

	var wc wireCommit
	if err := s.Deserialize(data, &wc); err != nil {
		return model.Commit{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	stamp, err := parseRFC3339Nano(wc.CommitStampUTC)
	if err != nil {
		return model.Commit{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return model.Commit{
		BucketID:       wc.BucketID,
		StreamID:       wc.StreamID,
		CommitID:       wc.CommitID,
		CommitSequence: wc.CommitSequence,
		StreamRevision: wc.StreamRevision,
		CommitStampUTC: stamp,
		Headers:        wc.Headers,
		Events:         wc.Events,
	}, nil
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md)+4)
	for k, v := range md {
		out[k] = v
	}
	return out
}

func translateConcurrency(err error) error {
	if errors.Is(err, pageblob.ErrConcurrency) {
		return ErrConcurrency
	}
	return err
}
