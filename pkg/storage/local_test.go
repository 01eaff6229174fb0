package storage_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/storage"
)

func setupLocalProvider(t *testing.T) (storage.Provider, string) {
	t.Helper()

	root := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)

	return storage.NewLocalProvider(log, root), root
}

func TestLocalBucket_PutGetHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, root := setupLocalProvider(t)
	bucket := provider.Bucket("canonical")

	require.NoError(t, storage.PutBytes(ctx, bucket, "a/b/c.json", []byte(`{"x":1}`), ""))

	_, err := os.Stat(filepath.Join(root, "canonical", "a", "b", "c.json"))
	require.NoError(t, err)

	data, err := storage.ReadAll(ctx, bucket, "a/b/c.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))

	info, err := bucket.Head(ctx, "a/b/c.json")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	sum := md5.Sum([]byte(`{"x":1}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), info.ETag)
	assert.Contains(t, info.ContentType, "application/json")
}

func TestLocalBucket_NotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, _ := setupLocalProvider(t)
	bucket := provider.Bucket("staging")

	_, err := bucket.Get(ctx, "missing.json")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = bucket.Head(ctx, "missing.json")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalBucket_KeyEscape(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, _ := setupLocalProvider(t)
	bucket := provider.Bucket("staging")

	_, err := bucket.Get(ctx, "../other/secret")
	require.ErrorIs(t, err, storage.ErrAccessDenied)
}

func TestLocalBucket_ListAndExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, _ := setupLocalProvider(t)
	bucket := provider.Bucket("canonical")

	for _, key := range []string{"ds_1/v2/b.tif", "ds_1/v1/a.tif", "ds_2/catalog.json"} {
		require.NoError(t, storage.PutBytes(ctx, bucket, key, []byte("data"), ""))
	}

	objects, err := bucket.List(ctx, "ds_1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "ds_1/v1/a.tif", objects[0].Key)
	assert.Equal(t, "ds_1/v2/b.tif", objects[1].Key)

	exists, err := bucket.Exists(ctx, "ds_2/")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = bucket.Exists(ctx, "ds_3/")
	require.NoError(t, err)
	assert.False(t, exists)

	// A bucket that was never written to is empty, not an error.
	exists, err = provider.Bucket("empty").Exists(ctx, "")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, _ := setupLocalProvider(t)
	src := provider.Bucket("staging")
	dst := provider.Bucket("canonical")

	payload := bytes.Repeat([]byte("geo"), 2048)
	require.NoError(t, storage.PutBytes(ctx, src, "in/a.tif", payload, ""))

	require.NoError(t, storage.Copy(ctx, src, "in/a.tif", dst, "ds_1/v1/a.tif"))

	got, err := storage.ReadAll(ctx, dst, "ds_1/v1/a.tif")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	err = storage.Copy(ctx, src, "in/missing.tif", dst, "ds_1/v1/missing.tif")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantBucket string
		wantKey    string
		wantErr    error
	}{
		{
			name:       "bucket and key",
			url:        "s3://staging/xyz/root.json",
			wantBucket: "staging",
			wantKey:    "xyz/root.json",
		},
		{
			name:       "bucket only",
			url:        "s3://staging",
			wantBucket: "staging",
		},
		{
			name:    "https url",
			url:     "https://example.com/root.json",
			wantErr: storage.ErrNotS3URL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := storage.ParseURL(tt.url)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "a.tif", storage.Basename("s3://staging/xyz/a.tif"))
	assert.Equal(t, "root.json", storage.Basename("xyz/root.json"))
	assert.Equal(t, "root.json", storage.Basename("root.json"))
}
