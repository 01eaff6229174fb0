package storage_test

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/storage"
)

func readString(t *testing.T, body io.ReadCloser) string {
	t.Helper()

	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	require.NoError(t, err)

	return string(data)
}

func TestURLReader_Read(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	provider, _ := setupLocalProvider(t)
	staging := provider.Bucket("staging")
	canonical := provider.Bucket("canonical")

	require.NoError(t, storage.PutBytes(ctx, staging, "xyz/new.tif", []byte("new"), ""))
	require.NoError(t, storage.PutBytes(ctx, canonical, "example_01H/v1/old.tif", []byte("old"), ""))
	require.NoError(t, storage.PutBytes(ctx, canonical, "example/legacy.tif", []byte("legacy"), ""))

	log := logrus.New()
	log.SetOutput(io.Discard)

	reader := storage.NewURLReader(log, provider, "canonical", "", storage.Fallback{
		DatasetTitle:     "example",
		DatasetPrefix:    "example_01H",
		CurrentVersionID: "v1",
	})

	tests := []struct {
		name        string
		url         string
		wantBody    string
		wantStaging bool
		wantErr     error
	}{
		{
			name:        "found in staging",
			url:         "s3://staging/xyz/new.tif",
			wantBody:    "new",
			wantStaging: true,
		},
		{
			name:     "falls back to previous version",
			url:      "s3://staging/xyz/old.tif",
			wantBody: "old",
		},
		{
			name:     "falls back to dataset title",
			url:      "s3://staging/xyz/legacy.tif",
			wantBody: "legacy",
		},
		{
			name:    "missing everywhere",
			url:     "s3://staging/xyz/gone.tif",
			wantErr: storage.ErrNotFound,
		},
		{
			name:    "non s3 url",
			url:     "https://example.com/a.tif",
			wantErr: storage.ErrNotS3URL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, inStaging, err := reader.Read(ctx, tt.url)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, readString(t, body))
			assert.Equal(t, tt.wantStaging, inStaging)
		})
	}
}
