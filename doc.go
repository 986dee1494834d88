// Package evsrc provides an append-only, event-sourced commit store built
// on page-blob object storage.
//
// evsrc persists each stream's history as a sequence of commits appended
// to one page blob per stream, with a recoverable header describing where
// each commit's payload lives. Header recovery tolerates torn writes via
// a primary/fallback/tertiary descriptor chain stored in blob metadata.
//
// # Quick start
//
//	ctx := context.Background()
//	eng := evsrc.New(client, evsrc.WithContainerName("orders"))
//	if err := eng.Initialize(ctx); err != nil {
//		// ...
//	}
//
//	c, err := eng.Commit(ctx, model.CommitAttempt{
//		BucketID:       "orders",
//		StreamID:       "order-42",
//		CommitID:       uuid.New(),
//		CommitSequence: 1,
//		StreamRevision: 1,
//		CommitStampUTC: time.Now().UTC(),
//		Events:         [][]byte{orderPlaced},
//	})
//
//	commits, err := eng.GetFrom(ctx, "orders", "order-42", 1, 1)
//
// # Durability model
//
// Every commit is a single page-aligned write; metadata publishing a new
// header descriptor always precedes the data write it describes, so a
// crash between the two leaves the stream resolvable to its pre-commit
// state rather than a partial commit.
//
// # Dispatch
//
// Commits default to undispatched. A consuming framework calls
// GetUndispatched to enumerate them in checkpoint order and
// MarkCommitDispatched once each has been delivered.
package evsrc
