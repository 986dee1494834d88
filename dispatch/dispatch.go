// Package dispatch implements C5: enumerating undispatched commits across
// all stream blobs and marking individual commits dispatched by rewriting
// only the header.
//
// Concurrency retries are paced with golang.org/x/time/rate rather than
// spun tight, following the bounded-retry convention used elsewhere in
// this module's concurrency-sensitive paths.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/commitlog"
	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/serializer"
)

// Logger receives structured observability for this package's header
// resolutions. *evsrc.Logger satisfies this.
type Logger interface {
	LogHeaderResolve(ctx context.Context, bucket model.BucketID, stream model.StreamID, fresh bool, err error)
}

// MaxConcurrencyRetries bounds the retry loop in GetUndispatched on
// pageblob.ErrConcurrency, per §7.
const MaxConcurrencyRetries = 20

// ErrNotFound is returned by MarkDispatched when the named commit is not
// present in its stream's header.
var ErrNotFound = errors.New("dispatch: commit not found in header")

// ErrConcurrency is returned by MarkDispatched when the header rewrite
// loses its etag race and the caller should retry.
var ErrConcurrency = errors.New("dispatch: concurrency conflict")

// Tracker enumerates and marks undispatched commits in one pageblob.Client
// namespace.
type Tracker struct {
	Client     pageblob.Client
	Serializer serializer.Serializer

	// MaxConcurrentScans bounds how many blobs GetUndispatched resolves
	// in parallel.
	MaxConcurrentScans int

	// CheckpointLog records the per-bucket dispatch audit trail (§4.5
	// step 1). Object stores with no table primitive (local filesystem,
	// in-memory) leave this nil; MarkDispatched then skips step 1.
	CheckpointLog checkpoint.Log

	// Logger receives header-resolution outcomes. Nil disables logging.
	Logger Logger

	// Now stamps CheckpointLog rows. Defaults to time.Now.
	Now func() time.Time
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

type candidate struct {
	blob pageblob.Blob
	def  model.CommitDefinition
}

// splitBlobName recovers the bucket/stream pair from a blob name of the
// "bucket/stream" shape that blobName produces, for logging purposes.
func splitBlobName(name string) (model.BucketID, model.StreamID) {
	bucket, stream, ok := strings.Cut(name, "/")
	if !ok {
		return model.BucketID(name), ""
	}
	return model.BucketID(bucket), model.StreamID(stream)
}

// GetUndispatched implements §4.5's enumeration: skip non-aggregate and
// hint-clean blobs, resolve the rest, collect undispatched definitions,
// sort by checkpoint, and materialize each into a Commit by ranged read.
func (t *Tracker) GetUndispatched(ctx context.Context) ([]model.Commit, error) {
	blobs, err := t.Client.ListByPrefix(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("dispatch: list blobs: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(50), 1)
	limit := t.MaxConcurrentScans
	if limit <= 0 {
		limit = 8
	}

	candidatesCh := make(chan candidate, len(blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, b := range blobs {
		b := b
		g.Go(func() error {
			cands, err := t.scanBlob(gctx, limiter, b)
			if err != nil {
				return err
			}
			for _, c := range cands {
				candidatesCh <- c
			}
			return nil
		})
	}

	err = g.Wait()
	close(candidatesCh)
	if err != nil {
		return nil, err
	}

	var all []candidate
	for c := range candidatesCh {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].def.Checkpoint < all[j].def.Checkpoint })

	commits := make([]model.Commit, 0, len(all))
	for _, c := range all {
		commit, err := t.materialize(ctx, c)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func (t *Tracker) scanBlob(ctx context.Context, limiter *rate.Limiter, b pageblob.Blob) ([]candidate, error) {
	var out []candidate

	for attempt := 0; attempt < MaxConcurrencyRetries; attempt++ {
		md, etag, err := b.GetMetadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch: metadata for %s: %w", b.Name(), err)
		}
		if md[header.MetaIsEventStreamAggregate] != "yes" {
			return nil, nil
		}
		if md[header.MetaHasUndispatchedCommits] == "False" || md[header.MetaHasUndispatchedCommits] == "" {
			return nil, nil
		}

		resolved, err := header.Resolve(ctx, b)
		bucket, stream := splitBlobName(b.Name())
		if t.Logger != nil {
			t.Logger.LogHeaderResolve(ctx, bucket, stream, resolved.Fresh, err)
		}
		if err != nil {
			// Corrupt/InvalidHeaderData during enumeration: log and skip
			// the blob rather than aborting the scan (§7).
			return nil, nil
		}

		if resolved.Header.UndispatchedCommitCount == 0 {
			md[header.MetaHasUndispatchedCommits] = "False"
			if _, err := b.SetMetadata(ctx, md, pageblob.Precondition{ETag: etag}); err != nil {
				if errors.Is(err, pageblob.ErrConcurrency) {
					if werr := limiter.Wait(ctx); werr != nil {
						return nil, werr
					}
					continue
				}
				return nil, fmt.Errorf("dispatch: repair hint for %s: %w", b.Name(), err)
			}
			return nil, nil
		}

		defsByOrdinal := make(map[uint32]model.CommitDefinition, len(resolved.Header.CommitDefinitions))
		for _, def := range resolved.Header.CommitDefinitions {
			defsByOrdinal[def.Ordinal] = def
		}
		bm := header.UndispatchedBitmap(resolved.Header.CommitDefinitions)
		it := bm.Iterator()
		for it.HasNext() {
			out = append(out, candidate{blob: b, def: defsByOrdinal[it.Next()]})
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: exceeded %d retries scanning %s", ErrConcurrency, MaxConcurrencyRetries, b.Name())
}

func (t *Tracker) materialize(ctx context.Context, c candidate) (model.Commit, error) {
	startByte := int64(c.def.StartPage) * pageblob.PageSizeBytes
	endByte := startByte + int64(c.def.DataSizeBytes)

	data, err := c.blob.DownloadBytes(ctx, startByte, endByte)
	if err != nil {
		return model.Commit{}, fmt.Errorf("dispatch: read commit payload: %w", err)
	}

	commit, err := commitlog.DeserializeCommit(data)
	if err != nil {
		return model.Commit{}, err
	}
	commit.Checkpoint = c.def.Checkpoint
	return commit, nil
}
