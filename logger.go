package evsrc

import (
	"context"
	"log/slog"
	"os"

	"github.com/evsrc-io/evsrc/model"
)

// Logger wraps slog.Logger with evsrc-specific structured fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler. If handler is
// nil, uses a text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(1000)})
	return &Logger{Logger: slog.New(handler)}
}

// WithBucket adds a bucket_id field to the logger.
func (l *Logger) WithBucket(bucket model.BucketID) *Logger {
	return &Logger{Logger: l.Logger.With("bucket_id", bucket)}
}

// WithStream adds bucket_id/stream_id fields to the logger.
func (l *Logger) WithStream(bucket model.BucketID, stream model.StreamID) *Logger {
	return &Logger{Logger: l.Logger.With("bucket_id", bucket, "stream_id", stream)}
}

// LogCommit logs the outcome of a commit attempt.
func (l *Logger) LogCommit(ctx context.Context, bucket model.BucketID, stream model.StreamID, sequence uint32, checkpoint model.Checkpoint, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"bucket_id", bucket, "stream_id", stream, "commit_sequence", sequence, "error", err)
		return
	}
	l.DebugContext(ctx, "commit completed",
		"bucket_id", bucket, "stream_id", stream, "commit_sequence", sequence, "checkpoint", checkpoint)
}

// LogDispatch logs the outcome of marking a commit dispatched.
func (l *Logger) LogDispatch(ctx context.Context, bucket model.BucketID, stream model.StreamID, commitID string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mark dispatched failed",
			"bucket_id", bucket, "stream_id", stream, "commit_id", commitID, "error", err)
		return
	}
	l.DebugContext(ctx, "commit marked dispatched",
		"bucket_id", bucket, "stream_id", stream, "commit_id", commitID)
}

// LogUndispatchedScan logs the result of a get_undispatched enumeration.
func (l *Logger) LogUndispatchedScan(ctx context.Context, found int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "undispatched scan failed", "error", err)
		return
	}
	l.InfoContext(ctx, "undispatched scan completed", "found", found)
}

// LogSnapshot logs the outcome of adding a snapshot.
func (l *Logger) LogSnapshot(ctx context.Context, bucket model.BucketID, stream model.StreamID, revision uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot write failed",
			"bucket_id", bucket, "stream_id", stream, "stream_revision", revision, "error", err)
		return
	}
	l.InfoContext(ctx, "snapshot written",
		"bucket_id", bucket, "stream_id", stream, "stream_revision", revision)
}

// LogCheckpoint logs an allocated checkpoint number.
func (l *Logger) LogCheckpoint(ctx context.Context, value uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint allocation failed", "error", err)
		return
	}
	l.DebugContext(ctx, "checkpoint allocated", "checkpoint", value)
}

// LogHeaderResolve logs the outcome of resolving a stream blob's header:
// the error on failure, or whether the blob was fresh on success. It does
// not report which descriptor slot (primary/fallback/tertiary) held the
// header.
func (l *Logger) LogHeaderResolve(ctx context.Context, bucket model.BucketID, stream model.StreamID, fresh bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "header resolve failed",
			"bucket_id", bucket, "stream_id", stream, "error", err)
		return
	}
	l.DebugContext(ctx, "header resolved",
		"bucket_id", bucket, "stream_id", stream, "fresh", fresh)
}
