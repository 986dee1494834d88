// Package s3blob implements pageblob.Client on Amazon S3, using ranged
// GetObject reads, conditional PutObject writes (IfMatch/IfNoneMatch) for
// the etag-based concurrency protocol, and a DynamoDB table for the
// checkpoint allocator's atomic sequence number: a conditional-write
// pattern for object mutation, a DynamoDB atomic-counter pattern for the
// sequence number, and ranged reads with typed-error translation.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/evsrc-io/evsrc/pageblob"
)

// Client is the subset of the AWS S3 SDK client this package calls. It is
// a superset of manager.UploadAPIClient so a Client can be handed straight
// to manager.NewUploader: page blob bodies are written through the
// multipart uploader rather than a bare PutObject, since a blob grows by
// whole-object re-upload on every Resize and that is exactly the payload
// shape the uploader exists to chunk and parallelize.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// SequenceClient is the DynamoDB operation this package uses to back
// IncrementSequenceNumber: one table, partition key "blob_name", attribute
// "seq", incremented with an atomic ADD.
type SequenceClient interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store is a pageblob.Client backed by one S3 bucket/prefix.
type Store struct {
	client    Client
	uploader  *manager.Uploader
	seqClient SequenceClient
	bucket    string
	prefix    string
	seqTable  string
}

// New creates a Store. seqClient/seqTable may be zero-valued if the caller
// never invokes IncrementSequenceNumber (e.g. non-checkpoint blobs).
func New(client Client, bucket, prefix string, seqClient SequenceClient, seqTable string) *Store {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		// Most page blob bodies are well under the 5MiB minimum part
		// size, so the uploader falls back to a single PutObject; this
		// only kicks in multipart behavior for blobs that have grown
		// past that, which is where whole-object re-upload gets costly.
		u.Concurrency = 4
	})
	return &Store{client: client, uploader: uploader, seqClient: seqClient, bucket: bucket, prefix: prefix, seqTable: seqTable}
}

// NewFromEnv loads AWS config from the environment via
// config.LoadDefaultConfig and constructs the S3 and DynamoDB clients.
func NewFromEnv(ctx context.Context, bucket, prefix, seqTable string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", pageblob.ErrTransport, err)
	}
	return New(s3.NewFromConfig(cfg), bucket, prefix, dynamodb.NewFromConfig(cfg), seqTable), nil
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return pageblob.ErrNotFound
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return pageblob.ErrNotFound
	}
	var condErr *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return pageblob.ErrConcurrency
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return pageblob.ErrConcurrency
		case "NotFound", "NoSuchKey":
			return pageblob.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
}

// metaKey/metaPrefix namespace object-level metadata as x-amz-meta-* style
// keys inside a single sidecar object per blob, since S3 object user
// metadata cannot be updated without rewriting the object body and the
// header-resolver needs whole-map replace semantics with an etag.
func (s *Store) metaKey(name string) string { return s.key(name) + ".meta" }

// CreateIfNotExists implements pageblob.Client.
func (s *Store) CreateIfNotExists(ctx context.Context, name string, numPages uint32) (pageblob.Blob, error) {
	size := int64(numPages) * pageblob.PageSizeBytes

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(name))})
	if err == nil {
		return &blob{store: s, name: name, size: aws.ToInt64(head.ContentLength)}, nil
	}
	if !errors.Is(translate(err), pageblob.ErrNotFound) {
		return nil, translate(err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(make([]byte, size)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !errors.Is(translate(err), pageblob.ErrConcurrency) {
		return nil, translate(err)
	}

	if _, err := s.putMeta(ctx, name, map[string]string{}, pageblob.Precondition{}); err != nil && !errors.Is(err, pageblob.ErrConcurrency) {
		return nil, err
	}

	return &blob{store: s, name: name, size: size}, nil
}

// GetAssumingExists implements pageblob.Client.
func (s *Store) GetAssumingExists(ctx context.Context, name string) (pageblob.Blob, bool, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(name))})
	if err != nil {
		if errors.Is(translate(err), pageblob.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, translate(err)
	}
	return &blob{store: s, name: name, size: aws.ToInt64(head.ContentLength)}, true, nil
}

// ListByPrefix implements pageblob.Client.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]pageblob.Blob, error) {
	var out []pageblob.Blob

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, obj := range page.Contents {
			rel := *obj.Key
			if s.prefix != "" {
				rel = strings.TrimPrefix(rel, s.prefix+"/")
			}
			if strings.HasSuffix(rel, ".meta") {
				continue
			}
			out = append(out, &blob{store: s, name: rel, size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

// Delete implements pageblob.Client.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(name))})
	if err != nil {
		return translate(err)
	}
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.metaKey(name))})
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
	var buf bytes.Buffer
	for k, v := range md {
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(name)),
		Body:   bytes.NewReader(buf.Bytes()),
	}
	if pre.ETag != "" {
		input.IfMatch = aws.String(pre.ETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", translate(err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *Store) getMeta(ctx context.Context, name string) (map[string]string, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.metaKey(name))})
	if err != nil {
		if errors.Is(translate(err), pageblob.ErrNotFound) {
			return map[string]string{}, "", nil
		}
		return nil, "", translate(err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
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
	return md, aws.ToString(out.ETag), nil
}

type blob struct {
	store *Store
	name  string
	size  int64
}

func (b *blob) Name() string { return b.name }
func (b *blob) Size() int64  { return b.size }

func (b *blob) DownloadBytes(ctx context.Context, start, end int64) ([]byte, error) {
	out, err := b.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.store.bucket),
		Key:    aws.String(b.store.key(b.name)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	})
	if err != nil {
		return nil, translate(err)
	}
	defer out.Body.Close()

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return buf, nil
}

// Write has no byte-range update in S3: any write, aligned or not, has to
// carry the rest of the object along with it. It downloads what's there,
// overlays data at offset, and re-uploads the merged body through
// store.putObject so growth past the multipart part-size threshold is
// chunked rather than sent as one oversized PutObject.
func (b *blob) Write(ctx context.Context, data []byte, offset int64, pre pageblob.Precondition) error {
	if offset%pageblob.PageSizeBytes != 0 {
		return fmt.Errorf("%w: offset %d is not page-aligned", pageblob.ErrTransport, offset)
	}

	needed := offset + int64(len(data))
	full := data
	if offset != 0 || needed < b.size {
		total := needed
		if b.size > total {
			total = b.size
		}
		full = make([]byte, total)
		if b.size > 0 {
			existing, err := b.DownloadBytes(ctx, 0, b.size)
			if err != nil {
				return err
			}
			copy(full, existing)
		}
		copy(full[offset:], data)
	}

	if err := b.store.putObject(ctx, b.name, full, pre.ETag); err != nil {
		return err
	}
	if needed > b.size {
		b.size = needed
	}
	return nil
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

	if err := b.store.putObject(ctx, b.name, grown, ""); err != nil {
		return err
	}
	b.size = newTotalBytes
	return nil
}

// putObject uploads the full body through the multipart uploader, which
// transparently falls back to a plain PutObject below its part-size
// threshold and only splits into concurrent parts once a blob has grown
// past it.
func (s *Store) putObject(ctx context.Context, name string, data []byte, ifMatch string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	}
	if ifMatch != "" {
		input.IfMatch = aws.String(ifMatch)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return translate(err)
	}
	return nil
}

func (b *blob) GetMetadata(ctx context.Context) (map[string]string, string, error) {
	return b.store.getMeta(ctx, b.name)
}

func (b *blob) SetMetadata(ctx context.Context, md map[string]string, pre pageblob.Precondition) (string, error) {
	return b.store.putMeta(ctx, b.name, md, pre)
}

// IncrementSequenceNumber atomically increments the checkpoint counter via
// a DynamoDB UpdateItem ADD expression, which is atomic without needing a
// ConditionExpression or a compare-and-swap retry loop.
func (b *blob) IncrementSequenceNumber(ctx context.Context) (uint64, error) {
	if b.store.seqClient == nil {
		return 0, fmt.Errorf("%w: no DynamoDB sequence client configured", pageblob.ErrTransport)
	}

	out, err := b.store.seqClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(b.store.seqTable),
		Key: map[string]ddbtypes.AttributeValue{
			"blob_name": &ddbtypes.AttributeValueMemberS{Value: b.store.key(b.name)},
		},
		UpdateExpression: aws.String("ADD seq :incr"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":incr": &ddbtypes.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: ddbtypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, translate(err)
	}

	seqAttr, ok := out.Attributes["seq"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("%w: missing seq attribute in DynamoDB response", pageblob.ErrTransport)
	}
	seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pageblob.ErrTransport, err)
	}
	return seq, nil
}
