package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/pageblob/memblob"
)

func TestNextIsMonotonic(t *testing.T) {
	ctx := context.Background()
	alloc, err := New(ctx, memblob.New())
	require.NoError(t, err)

	var prev uint64
	for i := 0; i < 5; i++ {
		n, err := alloc.Next(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}
