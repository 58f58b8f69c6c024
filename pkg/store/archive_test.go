package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qorelogic/failsafe/pkg/canonical"
)

var (
	_ Archive = (*FileArchive)(nil)
	_ Archive = (*S3Archive)(nil)
)

func TestFileArchiveRoundTrip(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte("ledger export segment")

	ref, err := a.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+canonical.HashBytes(data), ref)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := a.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFileArchiveIdempotentStore(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := a.Store(ctx, []byte("same"))
	require.NoError(t, err)
	second, err := a.Store(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileArchiveMissingBlob(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref := "sha256:" + strings.Repeat("ab", 32)
	exists, err := a.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = a.Get(ctx, ref)
	assert.Error(t, err)
}

func TestArchiveRejectsMalformedReferences(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, ref := range []string{
		"deadbeef",
		"sha256:short",
		"sha256:" + strings.Repeat("zz", 32),
		"md5:" + strings.Repeat("ab", 32),
	} {
		_, err := a.Get(ctx, ref)
		assert.ErrorIs(t, err, ErrBadReference, ref)
	}
}

// stubS3 records calls and serves objects from a map.
type stubS3 struct {
	objects map[string][]byte
	heads   int
	puts    int
}

func newStubS3() *stubS3 {
	return &stubS3{objects: make(map[string][]byte)}
}

func (s *stubS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	s.heads++
	if _, ok := s.objects[*in.Key]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (s *stubS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.puts++
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (s *stubS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := s.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func TestS3ArchiveStoreSkipsExistingBlobs(t *testing.T) {
	stub := newStubS3()
	a := &S3Archive{client: stub, bucket: "exports", prefix: "ledger/"}
	ctx := context.Background()
	data := []byte("segment-1")

	ref, err := a.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.puts)

	again, err := a.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, stub.puts, "existing blobs are not re-uploaded")
	assert.Equal(t, 2, stub.heads)
}

func TestS3ArchiveKeysCarryPrefix(t *testing.T) {
	stub := newStubS3()
	a := &S3Archive{client: stub, bucket: "exports", prefix: "ledger/"}
	ctx := context.Background()

	ref, err := a.Store(ctx, []byte("segment-2"))
	require.NoError(t, err)

	digest := strings.TrimPrefix(ref, "sha256:")
	_, ok := stub.objects["ledger/"+digest+".blob"]
	assert.True(t, ok)

	got, err := a.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-2"), got)

	exists, err := a.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)
}
