// Package memblob is an in-memory pageblob.Client used as the default test
// fixture.
package memblob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/evsrc-io/evsrc/pageblob"
)

// Store is an in-memory pageblob.Client. Thread-safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	blobs map[string]*entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{blobs: make(map[string]*entry)}
}

type entry struct {
	data     []byte
	metadata map[string]string
	etag     int64
	seq      uint64
}

func (e *entry) clone() *entry {
	data := make([]byte, len(e.data))
	copy(data, e.data)
	md := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		md[k] = v
	}
	return &entry{data: data, metadata: md, etag: e.etag, seq: e.seq}
}

func (e *entry) etagString() string {
	return strconv.FormatInt(e.etag, 10)
}

// CreateIfNotExists implements pageblob.Client.
func (s *Store) CreateIfNotExists(_ context.Context, name string, numPages uint32) (pageblob.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.blobs[name]; ok {
		return &blob{store: s, name: name, size: int64(len(e.data))}, nil
	}

	s.blobs[name] = &entry{
		data:     make([]byte, int64(numPages)*pageblob.PageSizeBytes),
		metadata: make(map[string]string),
		etag:     1,
	}
	return &blob{store: s, name: name, size: int64(numPages) * pageblob.PageSizeBytes}, nil
}

// GetAssumingExists implements pageblob.Client.
func (s *Store) GetAssumingExists(_ context.Context, name string) (pageblob.Blob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.blobs[name]
	if !ok {
		return nil, false, nil
	}
	return &blob{store: s, name: name, size: int64(len(e.data))}, true, nil
}

// ListByPrefix implements pageblob.Client.
func (s *Store) ListByPrefix(_ context.Context, prefix string) ([]pageblob.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pageblob.Blob
	for name, e := range s.blobs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, &blob{store: s, name: name, size: int64(len(e.data))})
		}
	}
	return out, nil
}

// Delete implements pageblob.Client.
func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
	return nil
}

// DeleteContainer implements pageblob.Client.
func (s *Store) DeleteContainer(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string]*entry)
	return nil
}

type blob struct {
	store *Store
	name  string
	size  int64
}

func (b *blob) Name() string { return b.name }
func (b *blob) Size() int64  { return b.size }

func (b *blob) DownloadBytes(_ context.Context, start, end int64) ([]byte, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return nil, pageblob.ErrNotFound
	}
	if start < 0 || end > int64(len(e.data)) || start > end {
		return nil, fmt.Errorf("%w: range [%d,%d) out of bounds for blob of size %d", pageblob.ErrTransport, start, end, len(e.data))
	}
	out := make([]byte, end-start)
	copy(out, e.data[start:end])
	return out, nil
}

func (b *blob) Write(_ context.Context, data []byte, offset int64, pre pageblob.Precondition) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return pageblob.ErrNotFound
	}
	if pre.ETag != "" && pre.ETag != e.etagString() {
		return pageblob.ErrConcurrency
	}
	if offset%pageblob.PageSizeBytes != 0 {
		return fmt.Errorf("%w: offset %d is not page-aligned", pageblob.ErrTransport, offset)
	}
	needed := offset + int64(len(data))
	if needed > int64(len(e.data)) {
		grown := make([]byte, needed)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[offset:], data)
	e.etag++
	return nil
}

func (b *blob) Resize(_ context.Context, newTotalBytes int64) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return pageblob.ErrNotFound
	}
	if newTotalBytes <= int64(len(e.data)) {
		return nil
	}
	grown := make([]byte, newTotalBytes)
	copy(grown, e.data)
	e.data = grown
	b.size = newTotalBytes
	return nil
}

func (b *blob) GetMetadata(_ context.Context) (map[string]string, string, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return nil, "", pageblob.ErrNotFound
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out, e.etagString(), nil
}

func (b *blob) SetMetadata(_ context.Context, md map[string]string, pre pageblob.Precondition) (string, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return "", pageblob.ErrNotFound
	}
	if pre.ETag != "" && pre.ETag != e.etagString() {
		return "", pageblob.ErrConcurrency
	}
	e.metadata = make(map[string]string, len(md))
	for k, v := range md {
		e.metadata[k] = v
	}
	e.etag++
	return e.etagString(), nil
}

func (b *blob) IncrementSequenceNumber(_ context.Context) (uint64, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	e, ok := b.store.blobs[b.name]
	if !ok {
		return 0, pageblob.ErrNotFound
	}
	e.seq++
	return e.seq, nil
}
