package evsrc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob/memblob"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng := New(memblob.New(), WithParallelConnectionLimit(4))
	require.NoError(t, eng.Initialize(context.Background()))
	return eng
}

func attempt(bucket model.BucketID, stream model.StreamID, seq, rev uint32) model.CommitAttempt {
	return model.CommitAttempt{
		BucketID:       bucket,
		StreamID:       stream,
		CommitID:       uuid.New(),
		CommitSequence: seq,
		StreamRevision: rev,
		CommitStampUTC: time.Now().UTC(),
		Events:         [][]byte{[]byte("event-payload")},
	}
}

func TestEngineCommitAndGetFrom(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	c, err := eng.Commit(ctx, attempt("orders", "order-1", 1, 1))
	require.NoError(t, err)
	assert.Greater(t, uint64(c.Checkpoint), uint64(0))

	commits, err := eng.GetFrom(ctx, "orders", "order-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, c.CommitID, commits[0].CommitID)
}

func TestEngineDuplicateCommitIsRejected(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	a := attempt("orders", "order-2", 1, 1)
	_, err := eng.Commit(ctx, a)
	require.NoError(t, err)

	_, err = eng.Commit(ctx, a)
	assert.ErrorIs(t, err, ErrDuplicateCommit)
}

func TestEngineDispatchLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Commit(ctx, attempt("orders", "order-3", 1, 1))
	require.NoError(t, err)
	c2, err := eng.Commit(ctx, attempt("orders", "order-3", 2, 2))
	require.NoError(t, err)

	undispatched, err := eng.GetUndispatched(ctx)
	require.NoError(t, err)
	require.Len(t, undispatched, 2)

	require.NoError(t, eng.MarkCommitDispatched(ctx, c2))

	undispatched, err = eng.GetUndispatched(ctx)
	require.NoError(t, err)
	require.Len(t, undispatched, 1)
	assert.NotEqual(t, c2.CommitID, undispatched[0].CommitID)
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	snap := model.Snapshot{
		BucketID:       "orders",
		StreamID:       "order-4",
		StreamRevision: 5,
		Payload:        []byte("serialized aggregate state"),
	}
	require.NoError(t, eng.AddSnapshot(ctx, snap))

	got, err := eng.GetSnapshot(ctx, "orders", "order-4", 10)
	require.NoError(t, err)
	assert.Equal(t, snap.Payload, got.Payload)
	assert.Equal(t, snap.StreamRevision, got.StreamRevision)
}

func TestEngineDeleteStreamRemovesCommitsAndSnapshot(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Commit(ctx, attempt("orders", "order-5", 1, 1))
	require.NoError(t, err)
	require.NoError(t, eng.AddSnapshot(ctx, model.Snapshot{
		BucketID: "orders", StreamID: "order-5", StreamRevision: 1, Payload: []byte("x"),
	}))

	require.NoError(t, eng.DeleteStream(ctx, "orders", "order-5"))

	_, err = eng.GetFrom(ctx, "orders", "order-5", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnginePurgeBucketLeavesOtherBucketsIntact(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Commit(ctx, attempt("orders", "order-6", 1, 1))
	require.NoError(t, err)
	_, err = eng.Commit(ctx, attempt("billing", "invoice-1", 1, 1))
	require.NoError(t, err)

	require.NoError(t, eng.PurgeBucket(ctx, "orders"))

	_, err = eng.GetFrom(ctx, "orders", "order-6", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	commits, err := eng.GetFrom(ctx, "billing", "invoice-1", 1, 1)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
}
