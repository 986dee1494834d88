package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/evsrc-io/evsrc/pageblob"
)

// fakeClient is an in-memory stand-in for the AWS S3 Client interface,
// just enough of PutObject/GetObject/HeadObject/ListObjectsV2 and the
// multipart trio for manager.Uploader to drive small (non-multipart)
// uploads against.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeClient() *fakeClient { return &fakeClient{objects: make(map[string][]byte)} }

func (f *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	if rng := aws.ToString(in.Range); rng != "" {
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err == nil {
			if end+1 < int64(len(data)) {
				data = data[start : end+1]
			} else {
				data = data[start:]
			}
		}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var contents []s3types.Object
	for k, v := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			contents = append(contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeClient) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{}, nil
}

func (f *fakeClient) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeClient) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeClient) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakeSeqClient struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

func newFakeSeqClient() *fakeSeqClient { return &fakeSeqClient{seqs: make(map[string]uint64)} }

func (f *fakeSeqClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["blob_name"].(*ddbtypes.AttributeValueMemberS).Value
	f.seqs[key]++
	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]ddbtypes.AttributeValue{
			"seq": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(f.seqs[key], 10)},
		},
	}, nil
}

func TestStoreWriteMergesAgainstExistingBody(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeClient(), "bucket", "", nil, "")

	b, err := s.CreateIfNotExists(ctx, "b/s1", 1)
	require.NoError(t, err)

	_, etag, err := b.GetMetadata(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, []byte("hello"), 0, pageblob.Precondition{ETag: etag}))

	require.NoError(t, b.Resize(ctx, pageblob.PageSizeBytes*2))
	require.NoError(t, b.Write(ctx, []byte("world"), pageblob.PageSizeBytes, pageblob.Precondition{}))

	got, err := b.DownloadBytes(ctx, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = b.DownloadBytes(ctx, pageblob.PageSizeBytes, pageblob.PageSizeBytes+5)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestStoreIncrementSequenceNumber(t *testing.T) {
	ctx := context.Background()
	seq := newFakeSeqClient()
	s := New(newFakeClient(), "bucket", "", seq, "checkpoints")

	b, err := s.CreateIfNotExists(ctx, "b/s1", 1)
	require.NoError(t, err)

	n1, err := b.IncrementSequenceNumber(ctx)
	require.NoError(t, err)
	n2, err := b.IncrementSequenceNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, n1+1, n2)
}
