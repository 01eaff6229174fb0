package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // ETag compatible digest, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Bucket = (*localBucket)(nil)

// localBucket stores objects as files under {root}/{bucket}/{key}.
type localBucket struct {
	log  logrus.FieldLogger
	dir  string
	name string
}

func newLocalBucket(log logrus.FieldLogger, root, name string) *localBucket {
	return &localBucket{
		log:  log.WithField("bucket", name),
		dir:  filepath.Join(root, name),
		name: name,
	}
}

// Name returns the bucket name.
func (b *localBucket) Name() string {
	return b.name
}

func (b *localBucket) path(key string) (string, error) {
	p := filepath.Join(b.dir, filepath.FromSlash(key))

	rel, err := filepath.Rel(b.dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes bucket %q", ErrAccessDenied, key, b.name)
	}

	return p, nil
}

// Get opens the file backing key.
func (b *localBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p) //nolint:gosec // path confined to the bucket directory
	if err != nil {
		return nil, translateFSError(err, b.name, key)
	}

	if st, err := f.Stat(); err == nil && st.IsDir() {
		_ = f.Close()

		return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, b.name, key)
	}

	return f, nil
}

// Put writes key through a temporary file and renames it into place.
func (b *localBucket) Put(
	_ context.Context, key string, body io.Reader, _ int64, _ string,
) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", key, err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("writing %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("renaming into %q: %w", key, err)
	}

	b.log.WithField("key", key).Debug("Put object")

	return nil
}

// Head stats key and computes its MD5 ETag.
func (b *localBucket) Head(_ context.Context, key string) (*ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p) //nolint:gosec // path confined to the bucket directory
	if err != nil {
		return nil, translateFSError(err, b.name, key)
	}

	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, translateFSError(err, b.name, key)
	}

	if st.IsDir() {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, b.name, key)
	}

	h := md5.New() //nolint:gosec // see import
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hashing %q: %w", key, err)
	}

	return &ObjectInfo{
		Key:         key,
		Size:        st.Size(),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		ContentType: detectContentType(key),
	}, nil
}

// List walks the bucket directory and returns keys under prefix in
// lexical order.
func (b *localBucket) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}

			return err
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}

		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q under %q: %w", b.name, prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	return objects, nil
}

// Exists reports whether any object lives under prefix.
func (b *localBucket) Exists(ctx context.Context, prefix string) (bool, error) {
	objects, err := b.List(ctx, prefix)
	if err != nil {
		return false, err
	}

	return len(objects) > 0, nil
}

func translateFSError(err error, bucket, key string) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	case os.IsPermission(err):
		return fmt.Errorf("%w: s3://%s/%s", ErrAccessDenied, bucket, key)
	default:
		return fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
}
