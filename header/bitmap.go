package header

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/evsrc-io/evsrc/model"
)

// UndispatchedBitmap mirrors the set of not-yet-dispatched commit
// ordinals into a roaring.Bitmap, built with one pass over defs.
// dispatch.MarkDispatched and dispatch.GetUndispatched use it to
// re-derive undispatched_commit_count and the undispatched candidate set.
func UndispatchedBitmap(defs []model.CommitDefinition) *roaring.Bitmap {
	bm := roaring.New()
	for _, d := range defs {
		if !d.IsDispatched {
			bm.Add(d.Ordinal)
		}
	}
	return bm
}
