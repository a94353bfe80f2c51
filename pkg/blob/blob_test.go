package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "dlq/2026/01/05/a.jsonl.gz", strings.NewReader("hello")))
	require.NoError(t, s.Put(ctx, "dlq/2026/01/06/b.jsonl.gz", strings.NewReader("world")))
	require.NoError(t, s.Put(ctx, "other/c", strings.NewReader("!")))

	_, err := os.Stat(filepath.Join(root, "dlq", "2026", "01", "05", "a.jsonl.gz"))
	require.NoError(t, err)

	r, err := s.Get(ctx, "dlq/2026/01/05/a.jsonl.gz")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	keys, err := s.List(ctx, "dlq/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dlq/2026/01/05/a.jsonl.gz", "dlq/2026/01/06/b.jsonl.gz"}, keys)

	keys, err = s.List(ctx, "dlq/2026/01/06")
	require.NoError(t, err)
	assert.Equal(t, []string{"dlq/2026/01/06/b.jsonl.gz"}, keys)

	require.NoError(t, s.Delete(ctx, "other/c"))
	_, err = s.Get(ctx, "other/c")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "other/c"), ErrNotFound)
}

func TestLocalStoreOverwrite(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("one")))
	require.NoError(t, s.Put(ctx, "k", strings.NewReader("two")))

	r, err := s.Get(ctx, "k")
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "two", string(data))
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "absent"))
	keys, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCleanKey(t *testing.T) {
	k, err := cleanKey("/dlq//2026/x.gz")
	require.NoError(t, err)
	assert.Equal(t, "dlq/2026/x.gz", k)

	for _, bad := range []string{"", "/", "../etc/passwd", "a/../../b"} {
		_, err := cleanKey(bad)
		assert.Error(t, err, bad)
	}

	s := NewLocalStore(t.TempDir())
	assert.Error(t, s.Put(context.Background(), "../escape", strings.NewReader("x")))
}

func TestMinioConfigValidate(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewMinioStore(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000", Bucket: "archive", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "archive", s.bucket)
}

func TestMinioNotFoundMapping(t *testing.T) {
	s := &MinioStore{bucket: "archive"}
	err := s.wrap("k", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.wrap("k", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403})
	assert.NotErrorIs(t, err, ErrNotFound)
}
