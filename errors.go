package evsrc

import (
	"errors"
	"fmt"

	"github.com/evsrc-io/evsrc/commitlog"
	"github.com/evsrc-io/evsrc/dispatch"
	"github.com/evsrc-io/evsrc/header"
	"github.com/evsrc-io/evsrc/pageblob"
	"github.com/evsrc-io/evsrc/query"
	"github.com/evsrc-io/evsrc/snapshot"
)

var (
	// ErrDuplicateCommit is returned when a commit_id already appears in
	// the target stream's header.
	ErrDuplicateCommit = errors.New("evsrc: duplicate commit")

	// ErrConcurrency is returned on an etag mismatch or a non-increasing
	// commit_sequence. Callers may retry after refreshing state.
	ErrConcurrency = errors.New("evsrc: concurrency conflict")

	// ErrInvalidHeaderData is returned when no header descriptor slot
	// resolves to a valid header. Fatal for the stream.
	ErrInvalidHeaderData = errors.New("evsrc: invalid header data")

	// ErrCorrupt is returned when a commit payload fails to deserialize.
	// Fatal for the commit.
	ErrCorrupt = errors.New("evsrc: corrupt commit payload")

	// ErrNotFound is returned when a stream, snapshot, or commit is absent
	// where existence was asserted.
	ErrNotFound = errors.New("evsrc: not found")

	// ErrTransport wraps any underlying object-store failure that does
	// not fit one of the above.
	ErrTransport = errors.New("evsrc: transport error")
)

// translateError maps a package-local sentinel from commitlog, dispatch,
// header, snapshot, or pageblob onto the top-level sentinel callers of
// Engine are expected to match against with errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, commitlog.ErrDuplicateCommit):
		return fmt.Errorf("%w: %w", ErrDuplicateCommit, err)
	case errors.Is(err, commitlog.ErrConcurrency),
		errors.Is(err, dispatch.ErrConcurrency),
		errors.Is(err, snapshot.ErrConcurrency),
		errors.Is(err, pageblob.ErrConcurrency):
		return fmt.Errorf("%w: %w", ErrConcurrency, err)
	case errors.Is(err, commitlog.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, header.ErrInvalidHeaderData):
		return fmt.Errorf("%w: %w", ErrInvalidHeaderData, err)
	case errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, query.ErrNotFound),
		errors.Is(err, pageblob.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, pageblob.ErrTransport):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	default:
		return err
	}
}
