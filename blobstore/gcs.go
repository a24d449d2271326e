package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects in a Cloud Storage bucket.
type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS connects to bucket. credentialsFile may be empty to use the
// application default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("blobstore: gcs backend needs a bucket")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs client: %w", err)
	}
	return NewGCSFromBucket(client.Bucket(bucket), prefix), nil
}

// NewGCSFromBucket wraps an existing bucket handle.
func NewGCSFromBucket(b *storage.BucketHandle, prefix string) *GCS {
	return &GCS{bucket: b, prefix: prefix}
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(path.Join(g.prefix, key))
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	w := g.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("blobstore: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blobstore: gcs finalize %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs open %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs read %s: %w", key, err)
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blobstore: gcs delete %s: %w", key, err)
	}
	return nil
}
