// Package evidence implements chain-of-custody storage for forensic
// artifacts: a content-addressed object store, an append-only custody
// log, and a service tying every operation to a recorded actor.
package evidence

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store errors.
var (
	// ErrNotFound marks a missing key or evidence id.
	ErrNotFound = errors.New("evidence not found")

	// ErrKeyExists rejects a second upload to an existing key; stored
	// content is immutable.
	ErrKeyExists = errors.New("storage key already exists")

	// ErrUploadInProgress rejects concurrent uploads to the same key.
	ErrUploadInProgress = errors.New("upload already in progress for key")
)

// Hashes are the three digests computed over evidence content in a
// single streaming pass. SHA256 is the canonical identity.
type Hashes struct {
	SHA256 string `json:"sha256"`
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5"`
}

// UploadResult describes a stored object.
type UploadResult struct {
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	SHA1       string `json:"sha1"`
	MD5        string `json:"md5"`
	StorageURL string `json:"storage_url"`
}

// StoreStats summarizes the objects under a key prefix.
type StoreStats struct {
	Objects   int64 `json:"objects"`
	TotalSize int64 `json:"total_size"`
}

// ObjectStore is the storage backend boundary. Implementations must
// treat stored content as immutable and compute all three hashes in
// one pass over the upload stream.
type ObjectStore interface {
	// Upload streams content under a new key. Uploads to the same key
	// are serial; a concurrent one fails with ErrUploadInProgress and
	// a completed one with ErrKeyExists.
	Upload(ctx context.Context, r io.Reader, key, contentType string, metadata map[string]string) (*UploadResult, error)

	// Exists reports whether the key holds content.
	Exists(ctx context.Context, key string) (bool, error)

	// StreamDownload opens the content for reading. The caller closes
	// the returned reader.
	StreamDownload(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the content. Custody history referring to the key
	// lives elsewhere and is unaffected.
	Delete(ctx context.Context, key string) error

	// ComputeHashes re-reads the stored content and digests it.
	ComputeHashes(ctx context.Context, key string) (*Hashes, error)

	// DownloadURL returns a time-limited URL for the content.
	DownloadURL(ctx context.Context, key string, expiresIn time.Duration, filename string) (string, error)

	// Stats summarizes the objects whose key has the given prefix.
	Stats(ctx context.Context, prefix string) (*StoreStats, error)

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error
}
