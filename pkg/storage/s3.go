package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Bucket = (*s3Bucket)(nil)

type s3Bucket struct {
	log    logrus.FieldLogger
	client *s3.Client
	name   string
}

func newS3Bucket(log logrus.FieldLogger, client *s3.Client, name string) *s3Bucket {
	return &s3Bucket{
		log:    log.WithField("bucket", name),
		client: client,
		name:   name,
	}
}

// Name returns the bucket name.
func (b *s3Bucket) Name() string {
	return b.name
}

// Get opens s3://{bucket}/{key}.
func (b *s3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(err, b.name, key)
	}

	return out.Body, nil
}

// Put writes s3://{bucket}/{key}.
func (b *s3Bucket) Put(
	ctx context.Context, key string, body io.Reader, size int64, contentType string,
) error {
	// Unseekable bodies of unknown length cannot be signed, so buffer them.
	if _, ok := body.(io.ReadSeeker); !ok && size < 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("buffering body for %q: %w", key, err)
		}

		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	b.log.WithField("key", key).Debug("Putting object")

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return translateS3Error(err, b.name, key)
	}

	return nil
}

// Head returns the metadata of s3://{bucket}/{key}.
func (b *s3Bucket) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(err, b.name, key)
	}

	return &ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// List returns every object under prefix.
func (b *s3Bucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"listing objects under %q: %w", prefix, translateS3Error(err, b.name, prefix),
			)
		}

		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}

	return objects, nil
}

// Exists reports whether any object lives under prefix.
func (b *s3Bucket) Exists(ctx context.Context, prefix string) (bool, error) {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.name),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, translateS3Error(err, b.name, prefix)
	}

	return len(out.Contents) > 0, nil
}

// translateS3Error maps S3 API errors onto the package sentinels. Errors
// without an API error code (timeouts, connection resets) are returned
// wrapped but otherwise untouched so callers can retry them.
func translateS3Error(err error, bucket, key string) error {
	var (
		nsk *s3types.NoSuchKey
		nf  *s3types.NotFound
	)

	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}

	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "AllAccessDisabled":
		return fmt.Errorf("%w: s3://%s/%s: %s", ErrAccessDenied, bucket, key, apiErr.ErrorMessage())
	default:
		return &ClientError{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
			Err:     err,
		}
	}
}
