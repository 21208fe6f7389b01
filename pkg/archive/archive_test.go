package archive

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	h1, err := s.Put(ctx, []byte(`{"audit":"a"}`))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h1)

	h2, err := s.Put(ctx, []byte(`{"audit":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "put is idempotent")

	got, err := s.Get(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, `{"audit":"a"}`, string(got))

	ok, err := s.Exists(ctx, h1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing, _ := contentHash([]byte("nothing"))
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)
	_, err = s.Get(ctx, "sha256:../../etc/passwd")
	assert.Error(t, err)
}

func TestPutJSON_Canonical(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	a, err := PutJSON(ctx, s, map[string]any{"b": 1, "a": []string{"x"}})
	require.NoError(t, err)
	b, err := PutJSON(ctx, s, map[string]any{"a": []string{"x"}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, Config{Backend: BackendFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, Config{Backend: BackendFile})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Backend: BackendS3})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Backend: "tape"})
	assert.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	s := NewS3StoreWithClient(fake, "audits", "regnexus/")

	h, err := s.Put(ctx, []byte("result"))
	require.NoError(t, err)
	_, raw := contentHash([]byte("result"))
	assert.Contains(t, fake.objects, "audits/regnexus/"+raw+".blob")

	_, err = s.Put(ctx, []byte("result"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts, "existing object is not re-uploaded")

	got, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "result", string(got))

	missing, _ := contentHash([]byte("other"))
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}
