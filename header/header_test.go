package header

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/pageblob/memblob"
	"github.com/evsrc-io/evsrc/serializer"
)

func sampleHeader() model.StreamBlobHeader {
	var h model.StreamBlobHeader
	h = h.Append(model.CommitDefinition{
		DataSizeBytes:  10,
		CommitID:       uuid.New(),
		StreamRevision: 1,
		CommitStampUTC: time.Unix(0, 0).UTC(),
		Ordinal:        0,
		StartPage:      0,
		Checkpoint:     1,
	}, 1)
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, s := range []serializer.Serializer{serializer.JSON{}, serializer.GoJSON{}} {
		t.Run(s.Name(), func(t *testing.T) {
			h := sampleHeader()
			frame, err := EncodeHeader(s, h)
			require.NoError(t, err)

			got, err := DecodeHeader(frame)
			require.NoError(t, err)
			assert.Equal(t, h.LastCommitSequence, got.LastCommitSequence)
			assert.Equal(t, h.UndispatchedCommitCount, got.UndispatchedCommitCount)
			require.Len(t, got.CommitDefinitions, 1)
			assert.Equal(t, h.CommitDefinitions[0].CommitID, got.CommitDefinitions[0].CommitID)
		})
	}
}

func TestDecodeHeaderRejectsTornFrame(t *testing.T) {
	frame, err := EncodeHeader(serializer.GoJSON{}, sampleHeader())
	require.NoError(t, err)

	torn := frame[:len(frame)-2]
	_, err = DecodeHeader(torn)
	assert.ErrorIs(t, err, ErrInvalidHeaderData)
}

func TestHeaderDefinitionRoundTrip(t *testing.T) {
	d := model.HeaderDefinition{HeaderStartOffsetBytes: 4096, HeaderSizeBytes: 128}
	got, err := DecodeHeaderDefinition(EncodeHeaderDefinition(d))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestResolveFreshBlobIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	b, err := store.CreateIfNotExists(ctx, "b/s1", 4)
	require.NoError(t, err)

	r, err := Resolve(ctx, b)
	require.NoError(t, err)
	assert.True(t, r.Fresh)
	assert.Empty(t, r.Header.CommitDefinitions)
}

func TestResolveFallsBackWhenPrimaryIsTorn(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()
	b, err := store.CreateIfNotExists(ctx, "b/s1", 4)
	require.NoError(t, err)

	goodHeader := sampleHeader()
	frame, err := EncodeHeader(serializer.GoJSON{}, goodHeader)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, frame, 0, pageblob.Precondition{}))

	goodDef := model.HeaderDefinition{HeaderStartOffsetBytes: 0, HeaderSizeBytes: uint32(len(frame))}
	tornDef := model.HeaderDefinition{HeaderStartOffsetBytes: 0, HeaderSizeBytes: uint32(len(frame) - 4)}

	_, etag, err := b.GetMetadata(ctx)
	require.NoError(t, err)
	_, err = b.SetMetadata(ctx, map[string]string{
		MetaPrimaryHeaderDef:  EncodeHeaderDefinition(tornDef),
		MetaFallbackHeaderDef: EncodeHeaderDefinition(goodDef),
	}, pageblob.Precondition{ETag: etag})
	require.NoError(t, err)

	r, err := Resolve(ctx, b)
	require.NoError(t, err)
	assert.False(t, r.Fresh)
	assert.Equal(t, goodDef, r.Descriptor)
}
