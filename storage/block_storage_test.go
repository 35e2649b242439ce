package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/bonserver/config"
)

type fakeS3 struct {
	s3iface.S3API
	objects  map[string][]byte
	failPuts int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("unavailable")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = body
	return &s3.PutObjectOutput{VersionId: aws.String("v1")}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.StringValue(in.Key)]; !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestBlockStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	var cfg config.Config
	cfg.BlockStorage.Bucket = "backups"
	bs := NewBlockStorageWithClient(cfg, fake)

	fake.failPuts = 2
	require.NoError(t, bs.UploadFileWithRetry(ctx, []byte("sealed"), "owner-1.bak", 3))

	exists, err := bs.FileExist(ctx, "owner-1.bak")
	require.NoError(t, err)
	assert.True(t, exists)

	content, err := bs.GetFile(ctx, "owner-1.bak")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), content)

	require.NoError(t, bs.DeleteFile(ctx, "owner-1.bak"))
	exists, err = bs.FileExist(ctx, "owner-1.bak")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBlockStorageRetryExhausted(t *testing.T) {
	fake := newFakeS3()
	fake.failPuts = 5
	bs := NewBlockStorageWithClient(config.Config{}, fake)
	assert.Error(t, bs.UploadFileWithRetry(context.Background(), []byte("x"), "f", 3))
}
