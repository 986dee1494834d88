// Package localblob implements pageblob.Client on the local filesystem,
// using the internal/fs filesystem abstraction. Page blobs are resizable
// and mutated in place, so pages are read and written with
// File.ReadAt/WriteAt through internal/fs.FileSystem rather than mmap.
package localblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/evsrc-io/evsrc/internal/fs"
	"github.com/evsrc-io/evsrc/pageblob"
)

// Store is a pageblob.Client rooted at a local directory. fs.FileSystem is
// injected so tests can wrap it in fs.FaultyFS to exercise torn-write
// recovery.
type Store struct {
	root string
	fs   fs.FileSystem

	mu sync.Mutex
}

// New creates a Store rooted at root using the local OS filesystem.
func New(root string) *Store {
	return NewWithFS(root, fs.Default)
}

// NewWithFS creates a Store rooted at root using a caller-supplied
// fs.FileSystem, typically an fs.FaultyFS in tests.
func NewWithFS(root string, fsys fs.FileSystem) *Store {
	return &Store{root: root, fs: fsys}
}

type sidecar struct {
	Metadata map[string]string `json:"metadata"`
	ETag     int64             `json:"etag"`
	Seq      uint64            `json:"seq"`
	Size     int64             `json:"size"`
}

func (s *Store) dataPath(name string) string    { return filepath.Join(s.root, name) }
func (s *Store) sidecarPath(name string) string { return filepath.Join(s.root, name+".meta") }

func (s *Store) readSidecar(name string) (*sidecar, error) {
	f, err := s.fs.OpenFile(s.sidecarPath(name), os.O_RDONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pageblob.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}

	var sc sidecar
	if err := gojson.Unmarshal(buf, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return &sc, nil
}

func (s *Store) writeSidecar(name string, sc *sidecar) error {
	b, err := gojson.Marshal(sc)
	if err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}

	tmp := s.sidecarPath(name) + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := s.fs.Rename(tmp, s.sidecarPath(name)); err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return nil
}

// CreateIfNotExists implements pageblob.Client.
func (s *Store) CreateIfNotExists(ctx context.Context, name string, numPages uint32) (pageblob.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, err := s.readSidecar(name); err == nil {
		return &blob{store: s, name: name, size: sc.Size}, nil
	} else if err != pageblob.ErrNotFound {
		return nil, err
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.dataPath(name)), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}

	size := int64(numPages) * pageblob.PageSizeBytes
	f, err := s.fs.OpenFile(s.dataPath(name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := s.fs.Truncate(s.dataPath(name), size); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}

	if err := s.writeSidecar(name, &sidecar{Metadata: map[string]string{}, ETag: 1, Size: size}); err != nil {
		return nil, err
	}
	return &blob{store: s, name: name, size: size}, nil
}

// GetAssumingExists implements pageblob.Client.
func (s *Store) GetAssumingExists(_ context.Context, name string) (pageblob.Blob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.readSidecar(name)
	if err == pageblob.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &blob{store: s, name: name, size: sc.Size}, true, nil
}

// ListByPrefix implements pageblob.Client.
func (s *Store) ListByPrefix(_ context.Context, prefix string) ([]pageblob.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pageblob.Blob
	root := filepath.Join(s.root, prefix)
	base := filepath.Dir(root)
	entries, err := s.fs.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".meta" || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		rel, err := filepath.Rel(s.root, filepath.Join(base, e.Name()))
		if err != nil {
			continue
		}
		if len(rel) < len(prefix) || rel[:len(prefix)] != prefix {
			continue
		}
		sc, err := s.readSidecar(rel)
		if err != nil {
			continue
		}
		out = append(out, &blob{store: s, name: rel, size: sc.Size})
	}
	return out, nil
}

// Delete implements pageblob.Client.
func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.fs.Remove(s.dataPath(name))
	_ = s.fs.Remove(s.sidecarPath(name))
	return nil
}

// DeleteContainer implements pageblob.Client.
func (s *Store) DeleteContainer(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	for _, e := range entries {
		_ = s.fs.Remove(filepath.Join(s.root, e.Name()))
	}
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
	f, err := b.store.fs.OpenFile(b.store.dataPath(b.name), os.O_RDONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pageblob.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if n < len(buf) {
		return nil, fmt.Errorf("%w: short read of %s", pageblob.ErrTransport, b.name)
	}
	return buf, nil
}

func (b *blob) Write(_ context.Context, data []byte, offset int64, pre pageblob.Precondition) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	sc, err := b.store.readSidecar(b.name)
	if err != nil {
		return err
	}
	if pre.ETag != "" && pre.ETag != strconv.FormatInt(sc.ETag, 10) {
		return pageblob.ErrConcurrency
	}
	if offset%pageblob.PageSizeBytes != 0 {
		return fmt.Errorf("%w: offset %d is not page-aligned", pageblob.ErrTransport, offset)
	}

	needed := offset + int64(len(data))
	if needed > sc.Size {
		if err := b.growFile(needed); err != nil {
			return err
		}
		sc.Size = needed
	}

	f, err := b.store.fs.OpenFile(b.store.dataPath(b.name), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}

	sc.ETag++
	if err := b.store.writeSidecar(b.name, sc); err != nil {
		return err
	}
	b.size = sc.Size
	return nil
}

func (b *blob) growFile(newSize int64) error {
	if err := b.store.fs.Truncate(b.store.dataPath(b.name), newSize); err != nil {
		return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return nil
}

func (b *blob) Resize(_ context.Context, newTotalBytes int64) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	sc, err := b.store.readSidecar(b.name)
	if err != nil {
		return err
	}
	if newTotalBytes <= sc.Size {
		return nil
	}
	if err := b.growFile(newTotalBytes); err != nil {
		return err
	}
	sc.Size = newTotalBytes
	if err := b.store.writeSidecar(b.name, sc); err != nil {
		return err
	}
	b.size = newTotalBytes
	return nil
}

func (b *blob) GetMetadata(_ context.Context) (map[string]string, string, error) {
	sc, err := b.store.readSidecar(b.name)
	if err != nil {
		return nil, "", err
	}
	md := make(map[string]string, len(sc.Metadata))
	for k, v := range sc.Metadata {
		md[k] = v
	}
	return md, strconv.FormatInt(sc.ETag, 10), nil
}

func (b *blob) SetMetadata(_ context.Context, md map[string]string, pre pageblob.Precondition) (string, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	sc, err := b.store.readSidecar(b.name)
	if err != nil {
		return "", err
	}
	if pre.ETag != "" && pre.ETag != strconv.FormatInt(sc.ETag, 10) {
		return "", pageblob.ErrConcurrency
	}
	sc.Metadata = make(map[string]string, len(md))
	for k, v := range md {
		sc.Metadata[k] = v
	}
	sc.ETag++
	if err := b.store.writeSidecar(b.name, sc); err != nil {
		return "", err
	}
	return strconv.FormatInt(sc.ETag, 10), nil
}

func (b *blob) IncrementSequenceNumber(_ context.Context) (uint64, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	sc, err := b.store.readSidecar(b.name)
	if err != nil {
		return 0, err
	}
	sc.Seq++
	if err := b.store.writeSidecar(b.name, sc); err != nil {
		return 0, err
	}
	return sc.Seq, nil
}
