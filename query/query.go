// Package query implements C8: read-side access to committed commits
// without going through the commit path.
//
// Grounded on §4.8: get_from resolves a header and issues a single
// contiguous ranged read across the requested revision window rather than
// one read per commit, and the timestamp/checkpoint scans reuse
// dispatch's bounded errgroup fan-out pattern for resolving many headers
// concurrently.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evsrc-io/evsrc/commitlog"
	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
)

// ErrNotFound is returned when the named stream has no blob at all.
var ErrNotFound = errors.New("query: stream not found")

// Logger receives structured observability for this package's header
// resolutions. *evsrc.Logger satisfies this.
type Logger interface {
	LogHeaderResolve(ctx context.Context, bucket model.BucketID, stream model.StreamID, fresh bool, err error)
}

// Engine answers read-side queries against one pageblob.Client namespace.
type Engine struct {
	Client pageblob.Client

	// MaxConcurrentScans bounds how many blob headers GetFromTo and
	// GetFromCheckpoint resolve in parallel.
	MaxConcurrentScans int

	// Logger receives header-resolution outcomes. Nil disables logging.
	Logger Logger
}

func blobName(bucket model.BucketID, stream model.StreamID) string {
	return fmt.Sprintf("%s/%s", bucket, stream)
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

func (e *Engine) limit() int {
	if e.MaxConcurrentScans > 0 {
		return e.MaxConcurrentScans
	}
	return 8
}

// GetFrom implements §4.8's get_from(bucket, stream, min_rev, max_rev):
// resolve the header, find the index window covering [minRev, maxRev],
// issue one contiguous ranged read spanning those commits, then
// deserialize and filter in memory.
func (e *Engine) GetFrom(ctx context.Context, bucket model.BucketID, stream model.StreamID, minRev, maxRev uint32) ([]model.Commit, error) {
	b, ok, err := e.Client.GetAssumingExists(ctx, blobName(bucket, stream))
	if err != nil {
		return nil, fmt.Errorf("query: get blob: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	resolved, err := header.Resolve(ctx, b)
	if e.Logger != nil {
		e.Logger.LogHeaderResolve(ctx, bucket, stream, resolved.Fresh, err)
	}
	if err != nil {
		return nil, err
	}
	if resolved.Fresh {
		return nil, nil
	}

	defs := resolved.Header.CommitDefinitions
	startIndex, endIndex := -1, -1
	for i, def := range defs {
		if def.StreamRevision < minRev || def.StreamRevision > maxRev {
			continue
		}
		if startIndex == -1 {
			startIndex = i
		}
		endIndex = i
	}
	if startIndex == -1 {
		return nil, nil
	}

	startByte := int64(defs[startIndex].StartPage) * pageblob.PageSizeBytes
	lastDef := defs[endIndex]
	endByte := int64(lastDef.StartPage)*pageblob.PageSizeBytes + int64(lastDef.DataSizeBytes)

	data, err := b.DownloadBytes(ctx, startByte, endByte)
	if err != nil {
		return nil, fmt.Errorf("query: ranged read: %w", err)
	}

	var out []model.Commit
	for i := startIndex; i <= endIndex; i++ {
		def := defs[i]
		if def.StreamRevision < minRev || def.StreamRevision > maxRev {
			continue
		}
		localStart := int64(def.StartPage)*pageblob.PageSizeBytes - startByte
		localEnd := localStart + int64(def.DataSizeBytes)
		commit, err := commitlog.DeserializeCommit(data[localStart:localEnd])
		if err != nil {
			return nil, err
		}
		commit.Checkpoint = def.Checkpoint
		out = append(out, commit)
	}
	return out, nil
}

// GetFromTo implements §4.8's get_from_to(bucket, from_ts, to_ts):
// enumerate every stream blob under the bucket, resolve each header
// concurrently, filter definitions by timestamp, materialize, and return
// sorted by commit_stamp_utc.
func (e *Engine) GetFromTo(ctx context.Context, bucket model.BucketID, fromTS, toTS time.Time) ([]model.Commit, error) {
	blobs, err := e.Client.ListByPrefix(ctx, string(bucket)+"/")
	if err != nil {
		return nil, fmt.Errorf("query: list blobs: %w", err)
	}

	type hit struct {
		blob pageblob.Blob
		def  model.CommitDefinition
	}

	var hits []hit
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())
	results := make([][]hit, len(blobs))

	for i, b := range blobs {
		i, b := i, b
		g.Go(func() error {
			resolved, err := header.Resolve(gctx, b)
			if e.Logger != nil {
				bucket, stream := splitBlobName(b.Name())
				e.Logger.LogHeaderResolve(gctx, bucket, stream, resolved.Fresh, err)
			}
			if err != nil || resolved.Fresh {
				return nil
			}
			var local []hit
			for _, def := range resolved.Header.CommitDefinitions {
				if !def.CommitStampUTC.Before(fromTS) && !def.CommitStampUTC.After(toTS) {
					local = append(local, hit{blob: b, def: def})
				}
			}
			results[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, local := range results {
		hits = append(hits, local...)
	}

	commits := make([]model.Commit, 0, len(hits))
	for _, h := range hits {
		c, err := materialize(ctx, h.blob, h.def)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i].CommitStampUTC.Before(commits[j].CommitStampUTC) })
	return commits, nil
}

// GetFromCheckpoint implements §4.8's get_from(checkpoint_token) /
// get_from(bucket, token): enumerate blobs (optionally scoped to bucket),
// resolve every header, flatten all definitions, sort by checkpoint, and
// materialize. Explicitly O(aggregates) and slow, per spec.
func (e *Engine) GetFromCheckpoint(ctx context.Context, bucket model.BucketID, token uint64) ([]model.Commit, error) {
	prefix := ""
	if bucket != "" {
		prefix = string(bucket) + "/"
	}
	blobs, err := e.Client.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("query: list blobs: %w", err)
	}

	type hit struct {
		blob pageblob.Blob
		def  model.CommitDefinition
	}

	results := make([][]hit, len(blobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit())

	for i, b := range blobs {
		i, b := i, b
		g.Go(func() error {
			resolved, err := header.Resolve(gctx, b)
			if e.Logger != nil {
				bucket, stream := splitBlobName(b.Name())
				e.Logger.LogHeaderResolve(gctx, bucket, stream, resolved.Fresh, err)
			}
			if err != nil || resolved.Fresh {
				return nil
			}
			var local []hit
			for _, def := range resolved.Header.CommitDefinitions {
				if uint64(def.Checkpoint) > token {
					local = append(local, hit{blob: b, def: def})
				}
			}
			results[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var hits []hit
	for _, local := range results {
		hits = append(hits, local...)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].def.Checkpoint < hits[j].def.Checkpoint })

	commits := make([]model.Commit, 0, len(hits))
	for _, h := range hits {
		c, err := materialize(ctx, h.blob, h.def)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func materialize(ctx context.Context, b pageblob.Blob, def model.CommitDefinition) (model.Commit, error) {
	startByte := int64(def.StartPage) * pageblob.PageSizeBytes
	endByte := startByte + int64(def.DataSizeBytes)

	data, err := b.DownloadBytes(ctx, startByte, endByte)
	if err != nil {
		return model.Commit{}, fmt.Errorf("query: read commit payload: %w", err)
	}
	commit, err := commitlog.DeserializeCommit(data)
	if err != nil {
		return model.Commit{}, err
	}
	commit.Checkpoint = def.Checkpoint
	return commit, nil
}
