// Package snapshot implements C6: one retained snapshot per stream, stored
// in a sibling blob at "{bucket}/ss/{stream}".
//
// Compression uses a pooled zstd encoder/decoder, adapted from streaming
// block compression to a single whole-payload frame.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/serializer"
)

// Metadata keys on a snapshot blob, matching the on-wire vocabulary.
const (
	MetaDataSizeBytes  = "ss_data_size_bytes"
	MetaStreamRevision = "ss_stream_revision"
)

// ErrNotFound is returned by Get when no snapshot is retained for the
// stream, or the retained one postdates max_revision.
var ErrNotFound = errors.New("snapshot: not found")

// ErrConcurrency is returned when Add loses an etag race while clearing or
// publishing metadata.
var ErrConcurrency = errors.New("snapshot: concurrency conflict")

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putEncoder(enc *zstd.Encoder) { encoderPool.Put(enc) }

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putDecoder(dec *zstd.Decoder) { decoderPool.Put(dec) }

const frameHeaderSize = 4 // uncompressed size, little-endian u32

func compress(payload []byte) []byte {
	enc := getEncoder()
	defer putEncoder(enc)

	frame := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	return enc.EncodeAll(payload, frame)
}

func decompress(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame too small", ErrNotFound)
	}
	size := binary.LittleEndian.Uint32(frame[:frameHeaderSize])

	dec := getDecoder()
	defer putDecoder(dec)

	out, err := dec.DecodeAll(frame[frameHeaderSize:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return out, nil
}

func blobName(bucket model.BucketID, stream model.StreamID) string {
	return fmt.Sprintf("%s/ss/%s", bucket, stream)
}

// Store persists one retained snapshot per stream in a pageblob.Client
// namespace.
type Store struct {
	Client     pageblob.Client
	Serializer serializer.Serializer
	BlobPages  uint32
}

// Add implements §4.6's add_snapshot: create-if-missing, zero metadata,
// compress and write the payload page-aligned from offset 0, then publish
// the new size/revision.
func (s *Store) Add(ctx context.Context, snap model.Snapshot) error {
	b, err := s.Client.CreateIfNotExists(ctx, blobName(snap.BucketID, snap.StreamID), s.BlobPages)
	if err != nil {
		return fmt.Errorf("snapshot: ensure blob: %w", err)
	}

	_, etag, err := b.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: read metadata: %w", err)
	}
	etag, err = setMeta(ctx, b, map[string]string{
		MetaDataSizeBytes:  "0",
		MetaStreamRevision: "0",
	}, etag)
	if err != nil {
		return err
	}

	frame := compress(snap.Payload)
	amountAligned := pageblob.AlignUp(int64(len(frame)))
	if amountAligned > b.Size() {
		if err := b.Resize(ctx, amountAligned); err != nil {
			return fmt.Errorf("snapshot: resize blob: %w", err)
		}
	}

	padded := make([]byte, amountAligned)
	copy(padded, frame)
	if err := b.Write(ctx, padded, 0, pageblob.Precondition{ETag: etag}); err != nil {
		return translate(err)
	}

	_, etag, err = b.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: re-read metadata: %w", err)
	}
	if _, err := setMeta(ctx, b, map[string]string{
		MetaDataSizeBytes:  fmt.Sprintf("%d", len(frame)),
		MetaStreamRevision: fmt.Sprintf("%d", snap.StreamRevision),
	}, etag); err != nil {
		return err
	}
	return nil
}

// Get implements §4.6's get_snapshot: returns the retained snapshot iff it
// exists, has a nonzero data size, and its revision does not exceed
// maxRevision.
func (s *Store) Get(ctx context.Context, bucket model.BucketID, stream model.StreamID, maxRevision uint32) (model.Snapshot, error) {
	b, ok, err := s.Client.GetAssumingExists(ctx, blobName(bucket, stream))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: get blob: %w", err)
	}
	if !ok {
		return model.Snapshot{}, ErrNotFound
	}

	md, _, err := b.GetMetadata(ctx)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: read metadata: %w", err)
	}

	var size, revision uint64
	if _, err := fmt.Sscanf(md[MetaDataSizeBytes], "%d", &size); err != nil || size == 0 {
		return model.Snapshot{}, ErrNotFound
	}
	if _, err := fmt.Sscanf(md[MetaStreamRevision], "%d", &revision); err != nil {
		return model.Snapshot{}, ErrNotFound
	}
	if uint32(revision) > maxRevision {
		return model.Snapshot{}, ErrNotFound
	}

	frame, err := b.DownloadBytes(ctx, 0, int64(size))
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: read payload: %w", err)
	}
	payload, err := decompress(frame)
	if err != nil {
		return model.Snapshot{}, err
	}

	return model.Snapshot{
		BucketID:       bucket,
		StreamID:       stream,
		StreamRevision: uint32(revision),
		Payload:        payload,
	}, nil
}

func setMeta(ctx context.Context, b pageblob.Blob, kv map[string]string, etag string) (string, error) {
	md, _, err := b.GetMetadata(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot: read metadata: %w", err)
	}
	merged := make(map[string]string, len(md)+len(kv))
	for k, v := range md {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	newEtag, err := b.SetMetadata(ctx, merged, pageblob.Precondition{ETag: etag})
	if err != nil {
		return "", translate(err)
	}
	return newEtag, nil
}

func translate(err error) error {
	if errors.Is(err, pageblob.ErrConcurrency) {
		return ErrConcurrency
	}
	return err
}
