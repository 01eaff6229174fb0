package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/checksum"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/iteration"
	"github.com/ethpandaops/geostore/pkg/stacvalidate"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("throttled"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "metadata validation", err: fmt.Errorf("x: %w", stacvalidate.ErrValidationFailed), want: false},
		{name: "file not found", err: checksum.ErrFileNotFound, want: false},
		{name: "unknown client error", err: checksum.ErrUnknownClientError, want: false},
		{name: "missing row", err: checksum.ErrMissingRow, want: false},
		{name: "invalid next item", err: iteration.ErrInvalidNextItem, want: false},
		{name: "not found", err: store.ErrNotFound, want: false},
		{name: "permanent", err: ErrPermanent, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	cfg := &config.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		BackoffRate:     2,
	}

	assert.Equal(t, time.Second, backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, backoff(cfg, 3))
	assert.Equal(t, 5*time.Second, backoff(cfg, 4))
}

func TestRetry_TimeoutPerAttempt(t *testing.T) {
	cfg := &config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, BackoffRate: 1}
	calls := 0

	err := retry(context.Background(), cfg, 10*time.Millisecond, nil, func(ctx context.Context) error {
		calls++

		<-ctx.Done()

		return ctx.Err()
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestPayload_RoundTrip(t *testing.T) {
	p := newPayload(Input{
		DatasetID:     "ds",
		DatasetTitle:  "title",
		DatasetPrefix: "title_ds",
		VersionID:     "v1",
		MetadataURL:   "s3://staging/catalog.json",
	})
	p.Content = &iteration.Content{FirstItem: "10000", IterationSize: 3, NextItem: iteration.LastBatch}
	p.Validation = &validation.Summary{Success: true}
	p.ImportDataset = &importer.Output{AssetJobID: "a", MetadataJobID: "m"}

	m, err := p.ToMap()
	require.NoError(t, err)

	content, ok := m["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10000", content["first_item"])

	decoded, err := DecodePayload(m)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
	assert.Equal(t, "DATASET#ds#VERSION#v1", decoded.RunKey())
}
