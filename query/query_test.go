package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/commitlog"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob/memblob"
	"github.com/evsrc-io/evsrc/serializer"
)

func newFixture(t *testing.T) (*commitlog.Engine, *Engine) {
	t.Helper()
	ctx := context.Background()
	client := memblob.New()
	alloc, err := checkpoint.New(ctx, client)
	require.NoError(t, err)

	ce := &commitlog.Engine{
		Client:     client,
		Serializer: serializer.GoJSON{},
		Checkpoint: alloc,
		BlobPages:  8,
	}
	return ce, &Engine{Client: client}
}

func TestGetFromRoundTripsSingleCommit(t *testing.T) {
	ctx := context.Background()
	ce, qe := newFixture(t)

	attempt := model.CommitAttempt{
		BucketID:       "b",
		StreamID:       "s1",
		CommitID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Events:         [][]byte{[]byte("e0"), []byte("e1")},
	}
	_, err := ce.Commit(ctx, attempt)
	require.NoError(t, err)

	commits, err := qe.GetFrom(ctx, "b", "s1", 1, 1)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, attempt.CommitID, commits[0].CommitID)
	assert.Equal(t, attempt.Events, commits[0].Events)
}

func TestGetFromWindowsMultipleRevisions(t *testing.T) {
	ctx := context.Background()
	ce, qe := newFixture(t)

	for rev := uint32(1); rev <= 3; rev++ {
		_, err := ce.Commit(ctx, model.CommitAttempt{
			BucketID: "b", StreamID: "s1", CommitID: uuid.New(),
			CommitSequence: rev, StreamRevision: rev, CommitStampUTC: time.Now().UTC(),
			Events: [][]byte{[]byte("e")},
		})
		require.NoError(t, err)
	}

	commits, err := qe.GetFrom(ctx, "b", "s1", 2, 3)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, uint32(2), commits[0].StreamRevision)
	assert.Equal(t, uint32(3), commits[1].StreamRevision)
}

func TestGetFromMissingStream(t *testing.T) {
	ctx := context.Background()
	_, qe := newFixture(t)

	_, err := qe.GetFrom(ctx, "b", "nope", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFromToFiltersByTimestamp(t *testing.T) {
	ctx := context.Background()
	ce, qe := newFixture(t)

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := ce.Commit(ctx, model.CommitAttempt{BucketID: "b", StreamID: "s1", CommitID: uuid.New(), CommitSequence: 1, StreamRevision: 1, CommitStampUTC: early})
	require.NoError(t, err)
	_, err = ce.Commit(ctx, model.CommitAttempt{BucketID: "b", StreamID: "s2", CommitID: uuid.New(), CommitSequence: 1, StreamRevision: 1, CommitStampUTC: late})
	require.NoError(t, err)

	commits, err := qe.GetFromTo(ctx, "b", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.True(t, commits[0].CommitStampUTC.Equal(early))
}

func TestGetFromCheckpointFlattensAndSorts(t *testing.T) {
	ctx := context.Background()
	ce, qe := newFixture(t)

	c1, err := ce.Commit(ctx, model.CommitAttempt{BucketID: "b", StreamID: "s1", CommitID: uuid.New(), CommitSequence: 1, StreamRevision: 1, CommitStampUTC: time.Now().UTC()})
	require.NoError(t, err)
	c2, err := ce.Commit(ctx, model.CommitAttempt{BucketID: "b", StreamID: "s2", CommitID: uuid.New(), CommitSequence: 1, StreamRevision: 1, CommitStampUTC: time.Now().UTC()})
	require.NoError(t, err)

	commits, err := qe.GetFromCheckpoint(ctx, "", uint64(c1.Checkpoint)-1)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, c1.CommitID, commits[0].CommitID)
	assert.Equal(t, c2.CommitID, commits[1].CommitID)
}
