// Package blobstore is the storage gateway for raw uploads, extracted text
// and assessment results. Callers only put, get and delete whole objects by
// key; the backend is chosen at startup.
package blobstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("blobstore: not found")

// Gateway stores opaque blobs by key. Delete of a missing key succeeds.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RawKey is where the uploaded bytes of a document live.
func RawKey(tenantID, docID string) string {
	return fmt.Sprintf("raw/%s/%s", tenantID, docID)
}

// TextKey is where the extracted, normalized text of a document lives.
func TextKey(tenantID, docID string) string {
	return fmt.Sprintf("text/%s/%s.txt", tenantID, docID)
}

// ResultKey is where the scorer's result for a document lives.
func ResultKey(tenantID, docID string) string {
	return fmt.Sprintf("results/%s/%s.json", tenantID, docID)
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "fs", "gcs" or "memory". Default: "fs".
	Backend string `yaml:"backend"`
	// Dir is the root directory of the fs backend.
	Dir string `yaml:"dir"`
	// Bucket and Prefix locate objects in the gcs backend.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// CredentialsFile is an optional service account key for gcs. When empty
	// the application default credentials are used.
	CredentialsFile string `yaml:"credentials_file"`
}

// Open builds the backend described by cfg.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFS(cfg.Dir)
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
