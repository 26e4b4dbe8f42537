package models

import "time"

// Evidence is a content-addressed artifact under chain of custody.
// Content is immutable once ingested; identity is the SHA-256.
type Evidence struct {
	ID               string    `json:"id"`
	CaseID           string    `json:"case_id"`
	StorageKey       string    `json:"storage_key"`
	OriginalFilename string    `json:"original_filename"`
	Size             int64     `json:"size"`
	SHA256           string    `json:"sha256"`
	SHA1             string    `json:"sha1"`
	MD5              string    `json:"md5"`
	MimeType         string    `json:"mime_type,omitempty"`
	EvidenceType     string    `json:"evidence_type,omitempty"`
	SourceHost       string    `json:"source_host,omitempty"`
	Description      string    `json:"description,omitempty"`
	Status           string    `json:"status"`
	UploadedBy       string    `json:"uploaded_by"`
	UploadedAt       time.Time `json:"uploaded_at"`
	CollectedAt      time.Time `json:"collected_at,omitempty"`
	CollectedBy      string    `json:"collected_by,omitempty"`
}

// CustodyAction enumerates the recordable interactions with evidence.
type CustodyAction string

// Custody actions. Modified covers metadata-only edits; bytes never change.
const (
	CustodyUploaded   CustodyAction = "uploaded"
	CustodyAccessed   CustodyAction = "accessed"
	CustodyDownloaded CustodyAction = "downloaded"
	CustodyModified   CustodyAction = "modified"
	CustodyVerified   CustodyAction = "verified"
	CustodyDeleted    CustodyAction = "deleted"
)

// CustodyEvent is one append-only row in the chain-of-custody log.
// Custody events survive deletion of the evidence they describe.
type CustodyEvent struct {
	ID         string         `json:"id"`
	EvidenceID string         `json:"evidence_id"`
	Action     CustodyAction  `json:"action"`
	ActorID    string         `json:"actor_id"`
	ActorName  string         `json:"actor_name,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}
