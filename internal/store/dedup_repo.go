package store

import (
	"time"
)

// DedupRecord is a claimed idempotency key, e.g. an alert's (session, kind, detected_at) key.
type DedupRecord struct {
	Key         string     `json:"key"`
	SubjectID   string     `json:"subject_id"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records idempotency keys so that work keyed on them happens at most once.
type DedupRepo interface {
	// IsDuplicate reports whether key has already been claimed.
	IsDuplicate(key string) (bool, error)

	// ClaimKey records key for subjectID. Returns false if it was already claimed.
	ClaimKey(key, subjectID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a claimed key.
	MarkProcessed(key string) error
}
