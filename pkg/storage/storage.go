// Package storage abstracts the staging and canonical object stores behind
// a small bucket interface with S3 and local filesystem backends.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
)

// URLScheme is the only URL scheme the service reads from.
const URLScheme = "s3://"

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied is returned when the credentials in use may not
	// access an object.
	ErrAccessDenied = errors.New("access denied")

	// ErrAssumeRole is returned when a producer role cannot be assumed.
	ErrAssumeRole = errors.New("assuming role")

	// ErrNotS3URL is returned when a URL does not use the s3:// scheme.
	ErrNotS3URL = errors.New("not an s3 url")
)

// ClientError is an error response returned by the object store that is
// neither not-found nor access-denied.
type ClientError struct {
	Code    string
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err is a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError

	return errors.As(err, &ce)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

// Bucket provides access to the objects of a single bucket.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Get opens an object for reading. The caller must close the body.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes an object. size may be -1 when unknown.
	Put(
		ctx context.Context, key string, body io.Reader, size int64, contentType string,
	) error

	// Head returns object metadata without reading the body.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Exists reports whether at least one object lives under prefix.
	Exists(ctx context.Context, prefix string) (bool, error)
}

// Provider hands out buckets accessed either with the service's own
// credentials or with credentials assumed from a producer role.
type Provider interface {
	// Bucket returns a bucket accessed with the service credentials.
	Bucket(name string) Bucket

	// AssumedBucket returns a bucket accessed with credentials assumed from
	// roleARN. An empty roleARN falls back to the service credentials.
	AssumedBucket(ctx context.Context, name, roleARN string) (Bucket, error)
}

// ParseURL splits an s3://bucket/key URL.
func ParseURL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, URLScheme) {
		return "", "", fmt.Errorf("%w: %q", ErrNotS3URL, url)
	}

	rest := strings.TrimPrefix(url, URLScheme)

	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", url)
	}

	return bucket, key, nil
}

// Basename returns the last path element of a URL or key.
func Basename(url string) string {
	return path.Base(strings.TrimPrefix(url, URLScheme))
}

// Copy streams an object between buckets. The buckets may use different
// credentials.
func Copy(
	ctx context.Context, src Bucket, srcKey string, dst Bucket, dstKey string,
) error {
	info, err := src.Head(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("heading s3://%s/%s: %w", src.Name(), srcKey, err)
	}

	body, err := src.Get(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("reading s3://%s/%s: %w", src.Name(), srcKey, err)
	}

	defer func() { _ = body.Close() }()

	contentType := info.ContentType
	if contentType == "" {
		contentType = detectContentType(dstKey)
	}

	if err := dst.Put(ctx, dstKey, body, info.Size, contentType); err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", dst.Name(), dstKey, err)
	}

	return nil
}

// ReadAll reads a whole object into memory.
func ReadAll(ctx context.Context, b Bucket, key string) ([]byte, error) {
	body, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// PutBytes writes data as an object.
func PutBytes(
	ctx context.Context, b Bucket, key string, data []byte, contentType string,
) error {
	if contentType == "" {
		contentType = detectContentType(key)
	}

	return b.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(key string) string {
	ext := filepath.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
