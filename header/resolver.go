package header

import (
	"context"
	"errors"
	"fmt"

	"github.com/evsrc-io/evsrc/model"
	"github.com/evsrc-io/evsrc/pageblob"
)

// Metadata keys used on every stream blob, matching the on-wire
// vocabulary exactly (including the "Defintion" typo in the tertiary
// key, preserved for wire compatibility rather than "fixed").
const (
	MetaIsEventStreamAggregate = "isEventStreamAggregate"
	MetaHasUndispatchedCommits = "hasUndispatchedCommits"
	MetaFirstWriteCompleted    = "firstWriteCompleted"
	MetaPrimaryHeaderDef       = "primaryHeaderDefinition"
	MetaFallbackHeaderDef      = "fallbackHeaderDefinition"
	MetaTertiaryHeaderDef      = "tertiaryHeaderDefintionKey"
)

// Resolved is the outcome of resolving a stream blob's header: the header
// itself, the descriptor it was found at (the new "D0" for the next
// write), and the etag the metadata map was read at.
type Resolved struct {
	Header     model.StreamBlobHeader
	Descriptor model.HeaderDefinition
	Metadata   map[string]string
	ETag       string
	Fresh      bool // true if the blob has never completed a first write
}

// Resolve implements C3: given a blob, locate the last valid header using
// the primary/fallback/tertiary descriptor chain stored in metadata,
// tolerating torn writes.
func Resolve(ctx context.Context, b pageblob.Blob) (Resolved, error) {
	md, etag, err := b.GetMetadata(ctx)
	if err != nil {
		return Resolved{}, fmt.Errorf("header: read metadata: %w", err)
	}

	primaryRaw, hasPrimary := md[MetaPrimaryHeaderDef]
	if !hasPrimary {
		return Resolved{Metadata: md, ETag: etag, Fresh: true}, nil
	}

	slots := []string{primaryRaw, md[MetaFallbackHeaderDef], md[MetaTertiaryHeaderDef]}

	var lastErr error
	for _, raw := range slots {
		if raw == "" {
			continue
		}
		def, err := DecodeHeaderDefinition(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if def.IsZero() {
			continue
		}

		data, err := b.DownloadBytes(ctx, int64(def.HeaderStartOffsetBytes), int64(def.HeaderStartOffsetBytes)+int64(def.HeaderSizeBytes))
		if err != nil {
			lastErr = err
			continue
		}

		h, err := DecodeHeader(data)
		if err != nil {
			lastErr = err
			continue
		}

		return Resolved{Header: h, Descriptor: def, Metadata: md, ETag: etag}, nil
	}

	if md[MetaFirstWriteCompleted] == "f" {
		return Resolved{Metadata: md, ETag: etag, Fresh: true}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no slot contained a descriptor")
	}
	return Resolved{}, fmt.Errorf("%w: all header slots failed: %v", ErrInvalidHeaderData, lastErr)
}
