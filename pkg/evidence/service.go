package evidence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Actor identifies who performed an evidence operation, as recorded in
// the custody log.
type Actor struct {
	ID        string
	Name      string
	IP        string
	UserAgent string
}

// UploadRequest carries the caller-supplied evidence attributes.
type UploadRequest struct {
	CaseID       string
	Filename     string
	MimeType     string
	EvidenceType string
	SourceHost   string
	Description  string
	CollectedAt  time.Time
	CollectedBy  string
}

// VerifyResult is the outcome of an integrity check.
type VerifyResult struct {
	Valid    bool   `json:"integrity_valid"`
	Expected Hashes `json:"expected"`
	Computed Hashes `json:"computed"`
}

// Service is the chain-of-custody front door: every operation on
// evidence goes through here so it lands in the custody log.
type Service struct {
	store  ObjectStore
	repo   Repository
	logger *slog.Logger
}

// NewService wires the object store and metadata repository.
func NewService(store ObjectStore, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, repo: repo, logger: logger.With("component", "evidence_service")}
}

func custodyEvent(evidenceID string, action models.CustodyAction, actor Actor, details map[string]any) *models.CustodyEvent {
	return &models.CustodyEvent{
		ID:         uuid.NewString(),
		EvidenceID: evidenceID,
		Action:     action,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
		Details:    details,
		At:         time.Now().UTC(),
	}
}

// Upload ingests new evidence: content goes to the object store under
// a fresh key, the metadata row and the uploaded custody event commit
// together.
func (s *Service) Upload(ctx context.Context, r io.Reader, req UploadRequest, actor Actor) (*models.Evidence, error) {
	if req.CaseID == "" {
		return nil, fmt.Errorf("upload requires a case id")
	}

	id := uuid.NewString()
	key := req.CaseID + "/" + id

	result, err := s.store.Upload(ctx, r, key, req.MimeType, map[string]string{
		"case_id":  req.CaseID,
		"filename": req.Filename,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store evidence content: %w", err)
	}

	ev := &models.Evidence{
		ID:               id,
		CaseID:           req.CaseID,
		StorageKey:       key,
		OriginalFilename: req.Filename,
		Size:             result.Size,
		SHA256:           result.SHA256,
		SHA1:             result.SHA1,
		MD5:              result.MD5,
		MimeType:         req.MimeType,
		EvidenceType:     req.EvidenceType,
		SourceHost:       req.SourceHost,
		Description:      req.Description,
		Status:           StatusReady,
		UploadedBy:       actor.ID,
		UploadedAt:       time.Now().UTC(),
		CollectedAt:      req.CollectedAt,
		CollectedBy:      req.CollectedBy,
	}

	custody := custodyEvent(id, models.CustodyUploaded, actor, map[string]any{
		"sha256":   result.SHA256,
		"size":     result.Size,
		"filename": req.Filename,
	})
	if err := s.repo.Create(ctx, ev, custody); err != nil {
		// The metadata write failed; remove the orphaned content so
		// the key can be retried.
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			s.logger.Error("Failed to remove orphaned content after metadata failure",
				"storage_key", key, "error", delErr)
		}
		return nil, fmt.Errorf("failed to record evidence: %w", err)
	}

	s.logger.Info("Evidence uploaded", "evidence_id", id, "case_id", req.CaseID,
		"sha256", result.SHA256, "size", result.Size)
	return ev, nil
}

// Get returns the evidence metadata and records the access.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*models.Evidence, error) {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.AppendCustody(ctx, custodyEvent(id, models.CustodyAccessed, actor, nil)); err != nil {
		return nil, fmt.Errorf("failed to record access: %w", err)
	}
	return ev, nil
}

// Download opens the content stream and records the download.
func (s *Service) Download(ctx context.Context, id string, actor Actor) (io.ReadCloser, *models.Evidence, error) {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ev.Status == StatusDeleted {
		return nil, nil, fmt.Errorf("%w: %s content was deleted", ErrNotFound, id)
	}

	rc, err := s.store.StreamDownload(ctx, ev.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	if err := s.repo.AppendCustody(ctx, custodyEvent(id, models.CustodyDownloaded, actor, map[string]any{
		"filename": ev.OriginalFilename,
	})); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("failed to record download: %w", err)
	}
	return rc, ev, nil
}

// Verify recomputes all three hashes from storage and compares them to
// the recorded ones. The result is logged as a verified custody event
// whether or not the check passed; the stored bytes are never touched.
func (s *Service) Verify(ctx context.Context, id string, actor Actor) (*VerifyResult, error) {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	computed, err := s.store.ComputeHashes(ctx, ev.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to hash stored content: %w", err)
	}

	result := &VerifyResult{
		Valid:    computed.SHA256 == ev.SHA256 && computed.SHA1 == ev.SHA1 && computed.MD5 == ev.MD5,
		Expected: Hashes{SHA256: ev.SHA256, SHA1: ev.SHA1, MD5: ev.MD5},
		Computed: *computed,
	}

	custody := custodyEvent(id, models.CustodyVerified, actor, map[string]any{
		"integrity_valid": result.Valid,
		"sha256":          computed.SHA256,
		"sha1":            computed.SHA1,
		"md5":             computed.MD5,
	})
	if err := s.repo.AppendCustody(ctx, custody); err != nil {
		return nil, fmt.Errorf("failed to record verification: %w", err)
	}

	if !result.Valid {
		s.logger.Error("Evidence integrity check failed", "evidence_id", id,
			"expected_sha256", ev.SHA256, "computed_sha256", computed.SHA256)
	}
	return result, nil
}

// UpdateMetadata edits the editable metadata fields; the diff lands in
// the custody log in the same transaction.
func (s *Service) UpdateMetadata(ctx context.Context, id string, fields map[string]string, actor Actor) error {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	diff := make(map[string]any, len(fields))
	before := map[string]string{
		"description":   ev.Description,
		"evidence_type": ev.EvidenceType,
		"source_host":   ev.SourceHost,
	}
	for field, value := range fields {
		diff[field] = map[string]string{"from": before[field], "to": value}
	}

	custody := custodyEvent(id, models.CustodyModified, actor, map[string]any{"diff": diff})
	return s.repo.UpdateMetadata(ctx, id, fields, custody)
}

// Delete purges the stored bytes and marks the evidence deleted. The
// custody history, including this deletion, is retained.
func (s *Service) Delete(ctx context.Context, id string, actor Actor) error {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status == StatusDeleted {
		return fmt.Errorf("%w: %s already deleted", ErrNotFound, id)
	}

	if err := s.store.Delete(ctx, ev.StorageKey); err != nil {
		return fmt.Errorf("failed to purge content: %w", err)
	}

	custody := custodyEvent(id, models.CustodyDeleted, actor, map[string]any{
		"sha256": ev.SHA256,
	})
	if err := s.repo.SetStatus(ctx, id, StatusDeleted, custody); err != nil {
		return fmt.Errorf("failed to record deletion: %w", err)
	}

	s.logger.Info("Evidence deleted", "evidence_id", id, "sha256", ev.SHA256)
	return nil
}

// DownloadURL returns a time-limited URL for the content and records
// the access.
func (s *Service) DownloadURL(ctx context.Context, id string, expiresIn time.Duration, actor Actor) (string, error) {
	ev, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if ev.Status == StatusDeleted {
		return "", fmt.Errorf("%w: %s content was deleted", ErrNotFound, id)
	}

	u, err := s.store.DownloadURL(ctx, ev.StorageKey, expiresIn, ev.OriginalFilename)
	if err != nil {
		return "", err
	}
	if err := s.repo.AppendCustody(ctx, custodyEvent(id, models.CustodyAccessed, actor, map[string]any{
		"download_url": true,
	})); err != nil {
		return "", fmt.Errorf("failed to record access: %w", err)
	}
	return u, nil
}

// Custody returns the full chronological custody history.
func (s *Service) Custody(ctx context.Context, id string) ([]*models.CustodyEvent, error) {
	return s.repo.Custody(ctx, id)
}
