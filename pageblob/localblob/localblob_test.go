package localblob

import (
	"context"
	"testing"

	"github.com/evsrc-io/evsrc/internal/fs"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndWriteReadBack(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	b, err := s.CreateIfNotExists(ctx, "b/s1", 4)
	require.NoError(t, err)

	_, etag, err := b.GetMetadata(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, []byte("payload"), 0, pageblob.Precondition{ETag: etag}))

	got, err := b.DownloadBytes(ctx, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestWriteRejectsStalePrecondition(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	b, err := s.CreateIfNotExists(ctx, "b/s1", 4)
	require.NoError(t, err)
	_, etag, err := b.GetMetadata(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, []byte("a"), 0, pageblob.Precondition{ETag: etag}))
	err = b.Write(ctx, []byte("b"), 0, pageblob.Precondition{ETag: etag})
	assert.ErrorIs(t, err, pageblob.ErrConcurrency)
}

func TestResizeGrowsWithoutShrinking(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	b, err := s.CreateIfNotExists(ctx, "b/s1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(pageblob.PageSizeBytes), b.Size())

	require.NoError(t, b.Resize(ctx, pageblob.PageSizeBytes*4))
	assert.Equal(t, int64(pageblob.PageSizeBytes*4), b.Size())

	require.NoError(t, b.Resize(ctx, pageblob.PageSizeBytes))
	assert.Equal(t, int64(pageblob.PageSizeBytes*4), b.Size())
}

func TestTornDataWriteSurvivesFault(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule("b/s1", fs.Fault{FailAfterBytes: 2})

	s := NewWithFS(t.TempDir(), faulty)
	b, err := s.CreateIfNotExists(ctx, "b/s1", 1)
	require.NoError(t, err)

	_, etag, err := b.GetMetadata(ctx)
	require.NoError(t, err)

	err = b.Write(ctx, []byte("this write exceeds the fault byte limit"), 0, pageblob.Precondition{ETag: etag})
	assert.Error(t, err)
}
