// Package store provides storage backends for PostOpCall.
//
// It includes an in-memory store for tests and development, and SQLite and PostgreSQL
// stores that also implement the durable job, outbox and alert-routing dedup repositories.
package store

import (
	"strings"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Store persists patients, schedules, call records, transcripts and alerts.
//
// Getters return (nil, nil) when the requested record does not exist.
type Store interface {
	SavePatient(p models.Patient) error
	GetPatient(id string) (*models.Patient, error)

	SaveScheduleEntries(entries []models.CallScheduleEntry) error
	GetSchedule(patientID string) ([]models.CallScheduleEntry, error)
	GetScheduleEntry(id string) (*models.CallScheduleEntry, error)
	UpdateScheduleEntry(id string, status models.CallStatus, sessionID string) error

	SaveCallRecord(rec models.CallRecord) error
	GetCallRecord(sessionID string) (*models.CallRecord, error)
	// ListOpenCallRecords returns records whose status is not terminal.
	ListOpenCallRecords() ([]models.CallRecord, error)
	// SaveTranscript replaces the stored transcript of a session.
	SaveTranscript(sessionID string, entries []models.TranscriptEntry) error
	GetTranscript(sessionID string) ([]models.TranscriptEntry, error)

	// SaveAlert is idempotent on the alert ID.
	SaveAlert(a models.Alert) error
	// GetAlerts returns alerts for a session, or all alerts when sessionID is empty.
	GetAlerts(sessionID string) ([]models.Alert, error)
	GetAlert(id string) (*models.Alert, error)
	RecordDelivery(d models.AlertDelivery) error
	GetDeliveries(alertID string) ([]models.AlertDelivery, error)
	AddNotification(n models.Notification) error
	// GetNotifications returns notifications for a patient, or all when patientID is empty.
	GetNotifications(patientID string) ([]models.Notification, error)

	Close() error
}

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for URLs and
// key=value connection strings, "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "sslmode="} {
		if strings.Contains(d, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}
