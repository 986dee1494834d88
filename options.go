package evsrc

import (
	"log/slog"
	"time"

	"github.com/evsrc-io/evsrc/checkpoint"
	"github.com/evsrc-io/evsrc/serializer"
)

// Clock abstracts time.Now so dispatch-audit timestamps (checkpoint.Log)
// are reproducible in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type options struct {
	containerName           string
	blobNumPages             uint32
	parallelConnectionLimit int
	serializer              serializer.Serializer
	logger                  *Logger
	checkpointLog           checkpoint.Log
	clock                   Clock
}

// Option configures Engine construction.
//
// Breaking changes are expected while evsrc is pre-release.
type Option func(*options)

// WithContainerName sets the container name reported in the engine's
// Initialize log line. The engine does not derive, create or address a
// container from it: the pageblob.Client passed to New already determines
// where blobs live.
func WithContainerName(name string) Option {
	return func(o *options) {
		o.containerName = name
	}
}

// WithBlobNumPages sets the initial provisioning, in 512-byte pages, for
// newly created stream and snapshot blobs.
func WithBlobNumPages(n uint32) Option {
	return func(o *options) {
		o.blobNumPages = n
	}
}

// WithParallelConnectionLimit sets how many engine operations may run at
// once; the value is applied to the engine's resource.Limiter the first
// time Initialize runs. No object-store client's connection pool is
// changed.
func WithParallelConnectionLimit(n int) Option {
	return func(o *options) {
		o.parallelConnectionLimit = n
	}
}

// WithSerializer configures the Serializer used for commit payloads and
// StreamBlobHeader. Snapshot payloads are stored as given (zstd-compressed)
// and do not pass through it.
//
// If nil is passed, serializer.Default is used.
func WithSerializer(s serializer.Serializer) Option {
	return func(o *options) {
		if s == nil {
			s = serializer.Default
		}
		o.serializer = s
	}
}

// WithLogger configures structured logging for operations. Pass nil to
// disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithCheckpointLog configures the per-bucket dispatch audit trail
// (§4.5 step 1, §6's checkpoint table). Object stores with no table
// primitive can leave this unset; MarkCommitDispatched then skips the
// append step.
func WithCheckpointLog(log checkpoint.Log) Option {
	return func(o *options) {
		o.checkpointLog = log
	}
}

// WithClock overrides the clock used to stamp rows appended to the
// checkpoint dispatch log (checkpoint.Log). Tests that need a
// deterministic dispatched_at value supply one; production code has no
// reason to.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c == nil {
			c = realClock{}
		}
		o.clock = c
	}
}

// WithLogLevel creates a text logger at the given level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		blobNumPages: 8,
		serializer:   serializer.Default,
		logger:       NoopLogger(),
		clock:        realClock{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
