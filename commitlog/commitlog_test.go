package commitlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob/memblob"
	"github.com/evsrc-io/evsrc/serializer"
)

func newEngine(t *testing.T) (*Engine, *memblob.Store) {
	t.Helper()
	ctx := context.Background()
	client := memblob.New()
	alloc, err := checkpoint.New(ctx, client)
	require.NoError(t, err)

	return &Engine{
		Client:     client,
		Serializer: serializer.GoJSON{},
		Checkpoint: alloc,
		BlobPages:  8,
	}, client
}

func TestCommitHappyPath(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	attempt := model.CommitAttempt{
		BucketID:       "b",
		StreamID:       "s1",
		CommitID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Events:         [][]byte{[]byte("e0"), []byte("e1")},
	}

	c, err := e.Commit(ctx, attempt)
	require.NoError(t, err)
	assert.Equal(t, model.Checkpoint(1), c.Checkpoint)
}

func TestCommitDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	attempt := model.CommitAttempt{
		BucketID:       "b",
		StreamID:       "s1",
		CommitID:       uuid.New(),
		CommitSequence: 1,
		StreamRevision: 1,
		CommitStampUTC: time.Now().UTC(),
	}

	_, err := e.Commit(ctx, attempt)
	require.NoError(t, err)

	_, err = e.Commit(ctx, attempt)
	assert.ErrorIs(t, err, ErrDuplicateCommit)
}

func TestCommitConcurrencyLoser(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)

	first := model.CommitAttempt{BucketID: "b", StreamID: "s1", CommitID: uuid.New(), CommitSequence: 1, StreamRevision: 1, CommitStampUTC: time.Now().UTC()}
	_, err := e.Commit(ctx, first)
	require.NoError(t, err)

	b, ok, err := client.GetAssumingExists(ctx, blobName("b", "s1"))
	require.NoError(t, err)
	require.True(t, ok)

	resolved, err := header.Resolve(ctx, b)
	require.NoError(t, err)
	require.Len(t, resolved.Header.CommitDefinitions, 1)

	second := model.CommitAttempt{BucketID: "b", StreamID: "s1", CommitID: uuid.New(), CommitSequence: 2, StreamRevision: 2, CommitStampUTC: time.Now().UTC()}
	third := model.CommitAttempt{BucketID: "b", StreamID: "s1", CommitID: uuid.New(), CommitSequence: 2, StreamRevision: 2, CommitStampUTC: time.Now().UTC()}

	_, errA := e.Commit(ctx, second)
	_, errB := e.Commit(ctx, third)

	assert.True(t, (errA == nil) != (errB == nil), "exactly one of the two equal-sequence commits should succeed")
}
