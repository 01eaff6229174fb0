package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/sirupsen/logrus"
)

// Fallback names where a file absent from staging may already live in the
// canonical bucket.
type Fallback struct {
	// DatasetTitle is the stable {title}/{filename} location.
	DatasetTitle string
	// DatasetPrefix and CurrentVersionID locate the promoted copy of the
	// previous version under {prefix}/{version}/{filename}.
	DatasetPrefix    string
	CurrentVersionID string
}

// Keys returns the canonical keys to try in order for filename.
func (f Fallback) Keys(filename string) []string {
	keys := make([]string, 0, 2)

	if f.DatasetPrefix != "" && f.CurrentVersionID != "" {
		keys = append(keys, path.Join(f.DatasetPrefix, f.CurrentVersionID, filename))
	}

	if f.DatasetTitle != "" {
		keys = append(keys, path.Join(f.DatasetTitle, filename))
	}

	return keys
}

// URLReader fetches staged objects by URL using the producer's role and
// falls back to the canonical bucket for files the producer did not
// re-upload.
type URLReader struct {
	log       logrus.FieldLogger
	provider  Provider
	canonical Bucket
	roleARN   string
	fallback  Fallback
}

// NewURLReader creates a URLReader for one run.
func NewURLReader(
	log logrus.FieldLogger,
	provider Provider,
	canonicalBucket string,
	roleARN string,
	fallback Fallback,
) *URLReader {
	return &URLReader{
		log:       log.WithField("component", "url-reader"),
		provider:  provider,
		canonical: provider.Bucket(canonicalBucket),
		roleARN:   roleARN,
		fallback:  fallback,
	}
}

// Read opens url. wasInStaging is false when the object was served from
// the canonical bucket.
func (r *URLReader) Read(
	ctx context.Context, url string,
) (body io.ReadCloser, wasInStaging bool, err error) {
	bucketName, key, err := ParseURL(url)
	if err != nil {
		return nil, false, err
	}

	staging, err := r.provider.AssumedBucket(ctx, bucketName, r.roleARN)
	if err != nil {
		return nil, false, err
	}

	body, err = staging.Get(ctx, key)
	if err == nil {
		return body, true, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	notFound := err
	filename := Basename(key)

	for _, fallbackKey := range r.fallback.Keys(filename) {
		body, err = r.canonical.Get(ctx, fallbackKey)
		if err == nil {
			r.log.WithFields(logrus.Fields{
				"url":           url,
				"canonical_key": fallbackKey,
			}).Debug("Serving object from canonical bucket")

			return body, false, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("reading canonical fallback %q: %w", fallbackKey, err)
		}
	}

	return nil, false, notFound
}
