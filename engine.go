// Package evsrc wires C1–C8 into the PersistEngine surface described in
// §6: the single type a surrounding event-sourcing framework depends on.
package evsrc

import (
	"context"
	"fmt"
	"time"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/commitlog"
	"github.com/evsrc-io/evsrc/dispatch"
	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/query"
	"github.com/evsrc-io/evsrc/resource"
	"github.com/evsrc-io/evsrc/snapshot"
)

// Engine implements PersistEngine (§6) over one pageblob.Client
// namespace, which the caller configures to point at container
// "evsrc" + lowercase(container_name).
type Engine struct {
	client  pageblob.Client
	opts    options
	limiter *resource.Limiter

	commits   *commitlog.Engine
	dispatch  *dispatch.Tracker
	snapshots *snapshot.Store
	queries   *query.Engine
	checkpt   checkpoint.Allocator
}

// New constructs an Engine over client. Call Initialize before issuing
// any other operation.
func New(client pageblob.Client, optFns ...Option) *Engine {
	o := applyOptions(optFns)
	return &Engine{
		client:  client,
		opts:    o,
		limiter: resource.NewLimiter(),
	}
}

// Initialize implements initialize(): idempotently sets the engine's
// limit on concurrent operations (resource.Limiter, standing in for §5's
// connection_limit_set; no object-store client's connection pool is
// changed) and wires up the checkpoint allocator. Safe to call more than once; only
// the first call has any effect.
func (e *Engine) Initialize(ctx context.Context) error {
	e.limiter.Initialize(e.opts.parallelConnectionLimit)

	if e.checkpt == nil {
		alloc, err := checkpoint.New(ctx, e.client)
		if err != nil {
			return translateError(fmt.Errorf("evsrc: initialize checkpoint allocator: %w", err))
		}
		e.checkpt = alloc
	}

	e.commits = &commitlog.Engine{
		Client:     e.client,
		Serializer: e.opts.serializer,
		Checkpoint: e.checkpt,
		BlobPages:  e.opts.blobNumPages,
		Logger:     e.opts.logger,
	}
	e.dispatch = &dispatch.Tracker{
		Client:        e.client,
		Serializer:    e.opts.serializer,
		CheckpointLog: e.opts.checkpointLog,
		Logger:        e.opts.logger,
		Now:           e.opts.clock.Now,
	}
	e.snapshots = &snapshot.Store{Client: e.client, Serializer: e.opts.serializer, BlobPages: e.opts.blobNumPages}
	e.queries = &query.Engine{Client: e.client, Logger: e.opts.logger}

	e.opts.logger.InfoContext(ctx, "engine initialized", "container", e.opts.containerName)
	return nil
}

func (e *Engine) guard(ctx context.Context) (func(), error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return e.limiter.Release, nil
}

// Commit implements commit(attempt) → Commit (§4.4).
func (e *Engine) Commit(ctx context.Context, attempt model.CommitAttempt) (model.Commit, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return model.Commit{}, err
	}
	defer release()

	c, err := e.commits.Commit(ctx, attempt)
	e.opts.logger.LogCommit(ctx, attempt.BucketID, attempt.StreamID, attempt.CommitSequence, c.Checkpoint, err)
	if err != nil {
		return model.Commit{}, translateError(err)
	}
	return c, nil
}

// GetFrom implements get_from(bucket, stream, min_rev, max_rev) (§4.8).
func (e *Engine) GetFrom(ctx context.Context, bucket model.BucketID, stream model.StreamID, minRev, maxRev uint32) ([]model.Commit, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	commits, err := e.queries.GetFrom(ctx, bucket, stream, minRev, maxRev)
	if err != nil {
		return nil, translateError(err)
	}
	return commits, nil
}

// GetFromTo implements get_from_to(bucket, start_ts, end_ts) (§4.8).
func (e *Engine) GetFromTo(ctx context.Context, bucket model.BucketID, startTS, endTS time.Time) ([]model.Commit, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	commits, err := e.queries.GetFromTo(ctx, bucket, startTS, endTS)
	if err != nil {
		return nil, translateError(err)
	}
	return commits, nil
}

// GetFromCheckpoint implements get_from(checkpoint_token) /
// get_from(bucket, token) (§4.8). Pass an empty bucket to scan every
// bucket.
func (e *Engine) GetFromCheckpoint(ctx context.Context, bucket model.BucketID, token uint64) ([]model.Commit, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	commits, err := e.queries.GetFromCheckpoint(ctx, bucket, token)
	if err != nil {
		return nil, translateError(err)
	}
	return commits, nil
}

// GetUndispatched implements get_undispatched() → iterator<Commit> (§4.5).
// Returned in ascending checkpoint order.
func (e *Engine) GetUndispatched(ctx context.Context) ([]model.Commit, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	commits, err := e.dispatch.GetUndispatched(ctx)
	e.opts.logger.LogUndispatchedScan(ctx, len(commits), err)
	if err != nil {
		return nil, translateError(err)
	}
	return commits, nil
}

// MarkCommitDispatched implements mark_commit_dispatched(commit) (§4.5).
func (e *Engine) MarkCommitDispatched(ctx context.Context, commit model.Commit) error {
	release, err := e.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.dispatch.MarkDispatched(ctx, commit.BucketID, commit.StreamID, commit.CommitID)
	e.opts.logger.LogDispatch(ctx, commit.BucketID, commit.StreamID, commit.CommitID.String(), err)
	if err != nil {
		return translateError(err)
	}
	return nil
}

// GetSnapshot implements get_snapshot(bucket, stream, max_rev) (§4.6).
func (e *Engine) GetSnapshot(ctx context.Context, bucket model.BucketID, stream model.StreamID, maxRevision uint32) (model.Snapshot, error) {
	release, err := e.guard(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer release()

	s, err := e.snapshots.Get(ctx, bucket, stream, maxRevision)
	if err != nil {
		return model.Snapshot{}, translateError(err)
	}
	return s, nil
}

// AddSnapshot implements add_snapshot(snapshot) (§4.6).
func (e *Engine) AddSnapshot(ctx context.Context, snap model.Snapshot) error {
	release, err := e.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = e.snapshots.Add(ctx, snap)
	e.opts.logger.LogSnapshot(ctx, snap.BucketID, snap.StreamID, snap.StreamRevision, err)
	if err != nil {
		return translateError(err)
	}
	return nil
}

// DeleteStream deletes a stream's blob and its snapshot sibling outright.
// No tombstones, no lease: per §9's open-question resolution, the
// source's 60-second lease before delete adds no safety this engine's
// etag-gated writes don't already provide, so it is omitted.
func (e *Engine) DeleteStream(ctx context.Context, bucket model.BucketID, stream model.StreamID) error {
	release, err := e.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	name := fmt.Sprintf("%s/%s", bucket, stream)
	if err := e.client.Delete(ctx, name); err != nil {
		return translateError(fmt.Errorf("evsrc: delete stream: %w", err))
	}
	ssName := fmt.Sprintf("%s/ss/%s", bucket, stream)
	if err := e.client.Delete(ctx, ssName); err != nil {
		return translateError(fmt.Errorf("evsrc: delete stream snapshot: %w", err))
	}
	return nil
}

// PurgeBucket implements purge(bucket): deletes every stream and
// snapshot blob whose name falls under bucket. No tombstones.
func (e *Engine) PurgeBucket(ctx context.Context, bucket model.BucketID) error {
	release, err := e.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	blobs, err := e.client.ListByPrefix(ctx, string(bucket)+"/")
	if err != nil {
		return translateError(fmt.Errorf("evsrc: list bucket blobs: %w", err))
	}
	for _, b := range blobs {
		if err := e.client.Delete(ctx, b.Name()); err != nil {
			return translateError(fmt.Errorf("evsrc: delete %s: %w", b.Name(), err))
		}
	}
	return nil
}

// Purge implements purge(): deletes every blob in the engine's
// container, including the checkpoint blob. No tombstones.
func (e *Engine) Purge(ctx context.Context) error {
	release, err := e.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := e.client.DeleteContainer(ctx); err != nil {
		return translateError(fmt.Errorf("evsrc: purge container: %w", err))
	}
	return nil
}

// Drop implements drop(): same effect as Purge, named separately because
// the surrounding framework distinguishes "empty the store" from
// "decommission the store" even though this engine has no extra state to
// tear down for the latter.
func (e *Engine) Drop(ctx context.Context) error {
	return e.Purge(ctx)
}

// Dispose implements dispose(): releases no resources of its own (the
// engine holds no open connections; the object-store client owns its
// own lifecycle), present to satisfy the PersistEngine contract.
func (e *Engine) Dispose(context.Context) error {
	return nil
}
