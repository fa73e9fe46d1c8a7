package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// memS3 按 bucket/key 保存对象的内存实现
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failPut bool
}

func newMemS3() *memS3 {
	return &memS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.failPut {
		return nil, errors.New("connection reset")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[k] = data
	m.types[k] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BlobStore_RoundTrip(t *testing.T) {
	client := newMemS3()
	store := NewS3BlobStoreWithClient(client, "media", "/imageflow/", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "2026/10/a.png", []byte("png-bytes"), "image/png"))
	assert.Contains(t, client.objects, "media/imageflow/2026/10/a.png")
	assert.Equal(t, "image/png", client.types["media/imageflow/2026/10/a.png"])

	got, err := store.Get(ctx, "2026/10/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), got)

	require.NoError(t, store.Delete(ctx, "2026/10/a.png"))
	_, err = store.Get(ctx, "2026/10/a.png")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestS3BlobStore_Errors(t *testing.T) {
	client := newMemS3()
	store := NewS3BlobStoreWithClient(client, "media", "", nil)
	ctx := context.Background()

	err := store.Put(ctx, "../escape.png", []byte("x"), "image/png")
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
	assert.Empty(t, client.objects)

	client.failPut = true
	err = store.Put(ctx, "ok.png", []byte("x"), "image/png")
	assert.True(t, types.IsCode(err, types.ErrStorage))
}
