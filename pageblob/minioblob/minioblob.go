// Package minioblob implements pageblob.Client against MinIO and other
// S3-compatible object stores via github.com/minio/minio-go/v7.
//
// Concurrency caveat: MinIO's Go client does not expose conditional
// PutObject (If-Match/If-None-Match) the way the AWS S3 SDK does. This
// backend approximates the etag precondition with a StatObject-then-PutObject
// check, which is racy under true concurrent writers. It is intended for
// on-prem/dev deployments where s3blob's DynamoDB-backed atomicity is
// unavailable, not as a production-grade substitute for it.
package minioblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/evsrc-io/evsrc/pageblob"
)

// Store is a pageblob.Client backed by one MinIO bucket/prefix.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a Store.
func New(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) metaKey(name string) string { return s.key(name) + ".meta" }

func translate(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return pageblob.ErrNotFound
	case "PreconditionFailed":
		return pageblob.ErrConcurrency
	}
	return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

// CreateIfNotExists implements pageblob.Client.
func (s *Store) CreateIfNotExists(ctx context.Context, name string, numPages uint32) (pageblob.Blob, error) {
	size := int64(numPages) * pageblob.PageSizeBytes

	if info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{}); err == nil {
		return &blob{store: s, name: name, size: info.Size}, nil
	} else if !isNotFound(err) {
		return nil, translate(err)
	}

	if _, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(make([]byte, size)), size, minio.PutObjectOptions{}); err != nil {
		return nil, translate(err)
	}
	if _, err := s.putMeta(ctx, name, map[string]string{}, pageblob.Precondition{}); err != nil {
		return nil, err
	}
	return &blob{store: s, name: name, size: size}, nil
}

// GetAssumingExists implements pageblob.Client.
func (s *Store) GetAssumingExists(ctx context.Context, name string) (pageblob.Blob, bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, translate(err)
	}
	return &blob{store: s, name: name, size: info.Size}, true, nil
}

// ListByPrefix implements pageblob.Client.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]pageblob.Blob, error) {
	var out []pageblob.Blob
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.key(prefix), Recursive: true}) {
		if obj.Err != nil {
			return nil, translate(obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, s.prefix+"/")
		if strings.HasSuffix(rel, ".meta") {
			continue
		}
		out = append(out, &blob{store: s, name: rel, size: obj.Size})
	}
	return out, nil
}

// Delete implements pageblob.Client.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return translate(err)
	}
	_ = s.client.RemoveObject(ctx, s.bucket, s.metaKey(name), minio.RemoveObjectOptions{})
	return nil
}

// DeleteContainer implements pageblob.Client.
func (s *Store) DeleteContainer(ctx context.Context) error {
	blobs, err := s.ListByPrefix(ctx, "")
	if err != nil {
		return err
	}
	for _, b := range blobs {
		if err := s.Delete(ctx, b.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putMeta(ctx context.Context, name string, md map[string]string, pre pageblob.Precondition) (string, error) {
	if pre.ETag != "" {
		info, err := s.client.StatObject(ctx, s.bucket, s.metaKey(name), minio.StatObjectOptions{})
		if err != nil && !isNotFound(err) {
			return "", translate(err)
		}
		if err == nil && info.ETag != pre.ETag {
			return "", pageblob.ErrConcurrency
		}
	}
	var buf bytes.Buffer
	for k, v := range md {
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.metaKey(name), bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{})
	if err != nil {
		return "", translate(err)
	}
	return info.ETag, nil
}

func (s *Store) getMeta(ctx context.Context, name string) (map[string]string, string, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.metaKey(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return map[string]string{}, "", nil
		}
		return nil, "", translate(err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.metaKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", translate(err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	md := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) == 2 {
			md[kv[0]] = kv[1]
		}
	}
	return md, info.ETag, nil
}

type blob struct {
	store *Store
	name  string
	size  int64
}

func (b *blob) Name() string { return b.name }
func (b *blob) Size() int64  { return b.size }

func (b *blob) DownloadBytes(ctx context.Context, start, end int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end-1); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	obj, err := b.store.client.GetObject(ctx, b.store.bucket, b.store.key(b.name), opts)
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return buf, nil
}

func (b *blob) Write(ctx context.Context, data []byte, offset int64, pre pageblob.Precondition) error {
	if offset%pageblob.PageSizeBytes != 0 {
		return fmt.Errorf("%w: offset %d is not page-aligned", pageblob.ErrTransport, offset)
	}
	if pre.ETag != "" {
		info, err := b.store.client.StatObject(ctx, b.store.bucket, b.store.metaKey(b.name), minio.StatObjectOptions{})
		if err != nil {
			return translate(err)
		}
		if info.ETag != pre.ETag {
			return pageblob.ErrConcurrency
		}
	}

	needed := offset + int64(len(data))
	if offset != 0 || needed < b.size {
		// MinIO has no partial-object update, so any write that isn't a
		// simple "replace from byte 0 and possibly grow" must download
		// the existing object and merge, the same shape s3blob uses.
		full := make([]byte, maxInt64(needed, b.size))
		if b.size > 0 {
			existing, err := b.DownloadBytes(ctx, 0, b.size)
			if err != nil {
				return err
			}
			copy(full, existing)
		}
		copy(full[offset:], data)
		data = full
		offset = 0
		needed = int64(len(full))
	}

	if _, err := b.store.client.PutObject(ctx, b.store.bucket, b.store.key(b.name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{}); err != nil {
		return translate(err)
	}
	if needed > b.size {
		b.size = needed
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (b *blob) Resize(ctx context.Context, newTotalBytes int64) error {
	if newTotalBytes <= b.size {
		return nil
	}
	existing, err := b.DownloadBytes(ctx, 0, b.size)
	if err != nil {
		return err
	}
	grown := make([]byte, newTotalBytes)
	copy(grown, existing)

	if _, err := b.store.client.PutObject(ctx, b.store.bucket, b.store.key(b.name), bytes.NewReader(grown), int64(len(grown)), minio.PutObjectOptions{}); err != nil {
		return translate(err)
	}
	b.size = newTotalBytes
	return nil
}

func (b *blob) GetMetadata(ctx context.Context) (map[string]string, string, error) {
	return b.store.getMeta(ctx, b.name)
}

func (b *blob) SetMetadata(ctx context.Context, md map[string]string, pre pageblob.Precondition) (string, error) {
	return b.store.putMeta(ctx, b.name, md, pre)
}

// IncrementSequenceNumber has no atomic counterpart in the MinIO API; this
// backend is not suitable for the checkpoint allocator (use s3blob or
// memblob/localblob instead). Documented in DESIGN.md.
func (b *blob) IncrementSequenceNumber(ctx context.Context) (uint64, error) {
	return 0, fmt.Errorf("%w: minioblob does not support atomic sequence numbers, use s3blob for checkpoints", pageblob.ErrTransport)
}
