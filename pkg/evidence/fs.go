package evidence

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FSStore is a filesystem ObjectStore. Content lives under
// objects/<sha256[0:2]>/<sha256>; each logical key has a small record
// under keys/ pointing at its content, so identical content uploaded
// under two keys is stored once.
type FSStore struct {
	root string

	mu       sync.Mutex
	inflight map[string]bool
}

// keyRecord maps a logical key to its content and upload metadata.
type keyRecord struct {
	Key         string            `json:"key"`
	SHA256      string            `json:"sha256"`
	SHA1        string            `json:"sha1"`
	MD5         string            `json:"md5"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UploadedAt  time.Time         `json:"uploaded_at"`
}

// NewFSStore creates the store layout under root.
func NewFSStore(root string) (*FSStore, error) {
	for _, dir := range []string{"objects", "keys", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FSStore{root: root, inflight: make(map[string]bool)}, nil
}

// keyPath addresses the key record file. Keys may contain separators,
// so the filename is the hex digest of the key itself.
func (s *FSStore) keyPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.root, "keys", hex.EncodeToString(sum[:]))
}

func (s *FSStore) objectPath(sha string) string {
	return filepath.Join(s.root, "objects", sha[:2], sha)
}

func (s *FSStore) acquire(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return ErrUploadInProgress
	}
	s.inflight[key] = true
	return nil
}

func (s *FSStore) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Upload streams the content to a temp file while digesting it, then
// moves it into the content-addressed layout and writes the key record.
func (s *FSStore) Upload(ctx context.Context, r io.Reader, key, contentType string, metadata map[string]string) (*UploadResult, error) {
	if err := s.acquire(key); err != nil {
		return nil, err
	}
	defer s.release(key)

	if _, err := os.Stat(s.keyPath(key)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, key)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	md5h, sha1h, sha256h := md5.New(), sha1.New(), sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, md5h, sha1h, sha256h), contextReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("failed to store content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush content: %w", err)
	}

	sha := hex.EncodeToString(sha256h.Sum(nil))
	objPath := s.objectPath(sha)
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create object directory: %w", err)
		}
		if err := os.Rename(tmp.Name(), objPath); err != nil {
			return nil, fmt.Errorf("failed to place object: %w", err)
		}
	}

	record := keyRecord{
		Key:         key,
		SHA256:      sha,
		SHA1:        hex.EncodeToString(sha1h.Sum(nil)),
		MD5:         hex.EncodeToString(md5h.Sum(nil)),
		Size:        size,
		ContentType: contentType,
		Metadata:    metadata,
		UploadedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}
	if err := os.WriteFile(s.keyPath(key), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write key record: %w", err)
	}

	return &UploadResult{
		Size:       size,
		SHA256:     record.SHA256,
		SHA1:       record.SHA1,
		MD5:        record.MD5,
		StorageURL: "file://" + objPath,
	}, nil
}

func (s *FSStore) readRecord(key string) (*keyRecord, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	var record keyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}
	return &record, nil
}

// Exists reports whether the key has content.
func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.keyPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StreamDownload opens the content for lazy reading.
func (s *FSStore) StreamDownload(_ context.Context, key string) (io.ReadCloser, error) {
	record, err := s.readRecord(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.objectPath(record.SHA256))
	if err != nil {
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

// Delete removes the key record and its content.
func (s *FSStore) Delete(_ context.Context, key string) error {
	record, err := s.readRecord(key)
	if err != nil {
		return err
	}
	if err := os.Remove(s.keyPath(key)); err != nil {
		return fmt.Errorf("failed to remove key record: %w", err)
	}
	// Content may be shared with another key holding identical bytes;
	// removal failure there is not fatal.
	if err := os.Remove(s.objectPath(record.SHA256)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}

// ComputeHashes re-reads the stored bytes and digests them in one
// streaming pass.
func (s *FSStore) ComputeHashes(ctx context.Context, key string) (*Hashes, error) {
	rc, err := s.StreamDownload(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	md5h, sha1h, sha256h := md5.New(), sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5h, sha1h, sha256h), rc); err != nil {
		return nil, fmt.Errorf("failed to hash content: %w", err)
	}
	return &Hashes{
		SHA256: hexSum(sha256h),
		SHA1:   hexSum(sha1h),
		MD5:    hexSum(md5h),
	}, nil
}

// DownloadURL returns a file URL carrying the expiry and download
// filename; enforcement belongs to whatever serves the URL.
func (s *FSStore) DownloadURL(_ context.Context, key string, expiresIn time.Duration, filename string) (string, error) {
	record, err := s.readRecord(key)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("expires", fmt.Sprintf("%d", time.Now().Add(expiresIn).Unix()))
	if filename != "" {
		q.Set("filename", filename)
	}
	return "file://" + s.objectPath(record.SHA256) + "?" + q.Encode(), nil
}

// Stats sums the objects whose logical key starts with prefix.
func (s *FSStore) Stats(_ context.Context, prefix string) (*StoreStats, error) {
	stats := &StoreStats{}
	err := filepath.WalkDir(filepath.Join(s.root, "keys"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var record keyRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if !strings.HasPrefix(record.Key, prefix) {
			return nil
		}
		stats.Objects++
		stats.TotalSize += record.Size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk key records: %w", err)
	}
	return stats, nil
}

// HealthCheck verifies the root is writable.
func (s *FSStore) HealthCheck(_ context.Context) error {
	probe := filepath.Join(s.root, "tmp", ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("store not writable: %w", err)
	}
	return os.Remove(probe)
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// contextReader aborts a long copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
