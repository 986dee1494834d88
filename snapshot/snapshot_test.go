package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob/memblob"
	"github.com/evsrc-io/evsrc/serializer"
)

func newStore() *Store {
	return &Store{
		Client:     memblob.New(),
		Serializer: serializer.GoJSON{},
		BlobPages:  4,
	}
}

func TestAddThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	snap := model.Snapshot{
		BucketID:       "b",
		StreamID:       "s1",
		StreamRevision: 5,
		Payload:        []byte("a reasonably sized snapshot payload, repeated. a reasonably sized snapshot payload, repeated."),
	}
	require.NoError(t, s.Add(ctx, snap))

	got, err := s.Get(ctx, "b", "s1", 5)
	require.NoError(t, err)
	assert.Equal(t, snap.Payload, got.Payload)
	assert.Equal(t, snap.StreamRevision, got.StreamRevision)
}

func TestGetRejectsRevisionPastMax(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.Add(ctx, model.Snapshot{BucketID: "b", StreamID: "s1", StreamRevision: 10, Payload: []byte("payload")}))

	_, err := s.Get(ctx, "b", "s1", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingStreamIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	_, err := s.Get(ctx, "b", "nope", 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddOverwritesPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.Add(ctx, model.Snapshot{BucketID: "b", StreamID: "s1", StreamRevision: 3, Payload: []byte("first")}))
	require.NoError(t, s.Add(ctx, model.Snapshot{BucketID: "b", StreamID: "s1", StreamRevision: 7, Payload: []byte("second, overwritten")}))

	got, err := s.Get(ctx, "b", "s1", 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("second, overwritten"), got.Payload)
	assert.Equal(t, uint32(7), got.StreamRevision)
}
