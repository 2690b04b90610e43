package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	backend string // "SQLiteStore" or "PostgresStore", used in log messages
	dollar  bool   // use $n placeholders
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.backend + ".Close: closing database connection")
	if err := s.db.Close(); err != nil {
		slog.Error(s.backend+".Close: failed", "error", err)
		return err
	}
	return nil
}

// --- patients and schedule ---

func (s *sqlStore) SavePatient(p models.Patient) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(`
		INSERT INTO patients (id, name, phone, email, surgery_type, surgery_date, timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone = excluded.phone, email = excluded.email,
			surgery_type = excluded.surgery_type, surgery_date = excluded.surgery_date, timezone = excluded.timezone`,
		p.ID, p.Name, p.Phone, nilIfEmpty(p.Email), p.SurgeryType, p.SurgeryDate.UTC(), nilIfEmpty(p.Timezone), p.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.backend+".SavePatient: failed", "error", err, "patientID", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug(s.backend+".SavePatient: saved", "patientID", p.ID)
	return nil
}

func (s *sqlStore) GetPatient(id string) (*models.Patient, error) {
	var p models.Patient
	var email, tz sql.NullString
	err := s.queryRow(`SELECT id, name, phone, email, surgery_type, surgery_date, timezone, created_at FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Phone, &email, &p.SurgeryType, &p.SurgeryDate, &tz, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.backend+".GetPatient: failed", "error", err, "patientID", id)
		return nil, fmt.Errorf("failed to get patient %s: %w", id, err)
	}
	p.Email = email.String
	p.Timezone = tz.String
	return &p, nil
}

func (s *sqlStore) SaveScheduleEntries(entries []models.CallScheduleEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schedule transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := s.rebind(`
		INSERT INTO call_schedule (id, patient_id, call_type, scheduled_date, surgery_type, status, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET scheduled_date = excluded.scheduled_date, surgery_type = excluded.surgery_type,
			status = excluded.status, session_id = excluded.session_id`)
	for _, e := range entries {
		if _, err := tx.Exec(stmt, e.ID, e.PatientID, e.CallType, e.ScheduledDate.UTC(), e.SurgeryType, e.Status, nilIfEmpty(e.SessionID)); err != nil {
			slog.Error(s.backend+".SaveScheduleEntries: insert failed", "error", err, "entryID", e.ID)
			return fmt.Errorf("failed to save schedule entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule: %w", err)
	}
	slog.Debug(s.backend+".SaveScheduleEntries: saved", "count", len(entries))
	return nil
}

const scheduleColumns = `id, patient_id, call_type, scheduled_date, surgery_type, status, session_id`

func scanScheduleEntry(sc scanner) (models.CallScheduleEntry, error) {
	var e models.CallScheduleEntry
	var sessionID sql.NullString
	if err := sc.Scan(&e.ID, &e.PatientID, &e.CallType, &e.ScheduledDate, &e.SurgeryType, &e.Status, &sessionID); err != nil {
		return e, err
	}
	e.SessionID = sessionID.String
	return e, nil
}

func (s *sqlStore) GetSchedule(patientID string) ([]models.CallScheduleEntry, error) {
	rows, err := s.query(`SELECT `+scheduleColumns+` FROM call_schedule WHERE patient_id = ? ORDER BY scheduled_date ASC`, patientID)
	if err != nil {
		slog.Error(s.backend+".GetSchedule: query failed", "error", err, "patientID", patientID)
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	var entries []models.CallScheduleEntry
	for rows.Next() {
		e, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) GetScheduleEntry(id string) (*models.CallScheduleEntry, error) {
	e, err := scanScheduleEntry(s.queryRow(`SELECT `+scheduleColumns+` FROM call_schedule WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *sqlStore) UpdateScheduleEntry(id string, status models.CallStatus, sessionID string) error {
	_, err := s.exec(`UPDATE call_schedule SET status = ?, session_id = COALESCE(?, session_id) WHERE id = ?`,
		status, nilIfEmpty(sessionID), id)
	if err != nil {
		slog.Error(s.backend+".UpdateScheduleEntry: failed", "error", err, "entryID", id)
		return fmt.Errorf("failed to update schedule entry %s: %w", id, err)
	}
	return nil
}

// --- call records and transcripts ---

func (s *sqlStore) SaveCallRecord(rec models.CallRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	clinical, err := json.Marshal(rec.Clinical)
	if err != nil {
		return fmt.Errorf("failed to encode clinical context: %w", err)
	}
	_, err = s.exec(`
		INSERT INTO call_records (session_id, patient_id, call_type, status, schedule_entry_id, provider_call_id,
			started_at, ended_at, turn_index, end_reason, clinical_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET status = excluded.status, provider_call_id = excluded.provider_call_id,
			started_at = excluded.started_at, ended_at = excluded.ended_at, turn_index = excluded.turn_index,
			end_reason = excluded.end_reason, clinical_json = excluded.clinical_json, updated_at = excluded.updated_at`,
		rec.SessionID, rec.PatientID, rec.CallType, rec.Status, nilIfEmpty(rec.ScheduleEntryID), nilIfEmpty(rec.ProviderCallID),
		nullTime(rec.StartedAt), nullTime(rec.EndedAt), rec.TurnIndex, nilIfEmpty(rec.EndReason), string(clinical),
		rec.CreatedAt.UTC(), rec.UpdatedAt)
	if err != nil {
		slog.Error(s.backend+".SaveCallRecord: failed", "error", err, "sessionID", rec.SessionID)
		return fmt.Errorf("failed to save call record %s: %w", rec.SessionID, err)
	}
	slog.Debug(s.backend+".SaveCallRecord: saved", "sessionID", rec.SessionID, "status", rec.Status)
	return nil
}

const callRecordColumns = `session_id, patient_id, call_type, status, schedule_entry_id, provider_call_id,
	started_at, ended_at, turn_index, end_reason, clinical_json, created_at, updated_at`

func scanCallRecord(sc scanner) (models.CallRecord, error) {
	var r models.CallRecord
	var entryID, providerID, endReason, clinical sql.NullString
	var startedAt, endedAt sql.NullTime
	err := sc.Scan(&r.SessionID, &r.PatientID, &r.CallType, &r.Status, &entryID, &providerID,
		&startedAt, &endedAt, &r.TurnIndex, &endReason, &clinical, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.ScheduleEntryID = entryID.String
	r.ProviderCallID = providerID.String
	r.EndReason = endReason.String
	r.StartedAt = timePtr(startedAt)
	r.EndedAt = timePtr(endedAt)
	if clinical.String != "" {
		if err := json.Unmarshal([]byte(clinical.String), &r.Clinical); err != nil {
			slog.Warn("scanCallRecord: clinical context unreadable, using empty", "sessionID", r.SessionID, "error", err)
			r.Clinical = models.ClinicalContext{}
		}
	}
	return r, nil
}

func (s *sqlStore) GetCallRecord(sessionID string) (*models.CallRecord, error) {
	r, err := scanCallRecord(s.queryRow(`SELECT `+callRecordColumns+` FROM call_records WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.backend+".GetCallRecord: failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get call record %s: %w", sessionID, err)
	}
	return &r, nil
}

func (s *sqlStore) ListOpenCallRecords() ([]models.CallRecord, error) {
	rows, err := s.query(`SELECT `+callRecordColumns+` FROM call_records WHERE status NOT IN (?, ?, ?) ORDER BY created_at ASC`,
		models.CallStatusCompleted, models.CallStatusFailed, models.CallStatusNoAnswer)
	if err != nil {
		return nil, fmt.Errorf("failed to list open call records: %w", err)
	}
	defer rows.Close()

	var out []models.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveTranscript(sessionID string, entries []models.TranscriptEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transcript transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.rebind(`DELETE FROM transcript_entries WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	stmt := s.rebind(`INSERT INTO transcript_entries (session_id, seq, speaker, text, confidence, is_final, turn, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, e := range entries {
		if _, err := tx.Exec(stmt, sessionID, i, e.Speaker, e.Text, e.Confidence, e.IsFinal, e.Turn, e.Timestamp.UTC()); err != nil {
			slog.Error(s.backend+".SaveTranscript: insert failed", "error", err, "sessionID", sessionID, "seq", i)
			return fmt.Errorf("failed to insert transcript entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	slog.Debug(s.backend+".SaveTranscript: saved", "sessionID", sessionID, "entries", len(entries))
	return nil
}

func (s *sqlStore) GetTranscript(sessionID string) ([]models.TranscriptEntry, error) {
	rows, err := s.query(`SELECT speaker, text, confidence, is_final, turn, ts FROM transcript_entries
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var out []models.TranscriptEntry
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.Speaker, &e.Text, &e.Confidence, &e.IsFinal, &e.Turn, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- alerts ---

func (s *sqlStore) SaveAlert(a models.Alert) error {
	_, err := s.exec(`
		INSERT INTO alerts (id, call_session_id, patient_id, kind, severity, detected_text, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.CallSessionID, a.PatientID, a.Kind, a.Severity, a.DetectedText, a.DetectedAt.UTC())
	if err != nil {
		slog.Error(s.backend+".SaveAlert: failed", "error", err, "alertID", a.ID)
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

const alertColumns = `id, call_session_id, patient_id, kind, severity, detected_text, detected_at`

func scanAlert(sc scanner) (models.Alert, error) {
	var a models.Alert
	err := sc.Scan(&a.ID, &a.CallSessionID, &a.PatientID, &a.Kind, &a.Severity, &a.DetectedText, &a.DetectedAt)
	return a, err
}

func (s *sqlStore) GetAlerts(sessionID string) ([]models.Alert, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.query(`SELECT ` + alertColumns + ` FROM alerts ORDER BY detected_at ASC`)
	} else {
		rows, err = s.query(`SELECT `+alertColumns+` FROM alerts WHERE call_session_id = ? ORDER BY detected_at ASC`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetAlert(id string) (*models.Alert, error) {
	a, err := scanAlert(s.queryRow(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *sqlStore) RecordDelivery(d models.AlertDelivery) error {
	_, err := s.exec(`INSERT INTO alert_deliveries (alert_id, channel, status, error, attempted_at) VALUES (?, ?, ?, ?, ?)`,
		d.AlertID, d.Channel, d.Status, nilIfEmpty(d.Error), d.AttemptedAt.UTC())
	if err != nil {
		slog.Error(s.backend+".RecordDelivery: failed", "error", err, "alertID", d.AlertID, "channel", d.Channel)
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *sqlStore) GetDeliveries(alertID string) ([]models.AlertDelivery, error) {
	rows, err := s.query(`SELECT alert_id, channel, status, error, attempted_at FROM alert_deliveries
		WHERE alert_id = ? ORDER BY id ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.AlertDelivery
	for rows.Next() {
		var d models.AlertDelivery
		var errText sql.NullString
		if err := rows.Scan(&d.AlertID, &d.Channel, &d.Status, &errText, &d.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Error = errText.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddNotification(n models.Notification) error {
	_, err := s.exec(`INSERT INTO notifications (id, alert_id, patient_id, severity, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.AlertID, n.PatientID, n.Severity, n.Message, n.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.backend+".AddNotification: failed", "error", err, "alertID", n.AlertID)
		return fmt.Errorf("failed to add notification: %w", err)
	}
	return nil
}

func (s *sqlStore) GetNotifications(patientID string) ([]models.Notification, error) {
	const cols = `SELECT id, alert_id, patient_id, severity, message, created_at FROM notifications`
	var (
		rows *sql.Rows
		err  error
	)
	if patientID == "" {
		rows, err = s.query(cols + ` ORDER BY created_at DESC`)
	} else {
		rows, err = s.query(cols+` WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.AlertID, &n.PatientID, &n.Severity, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- dedup keys ---

func (s *sqlStore) IsDuplicate(key string) (bool, error) {
	var k string
	err := s.queryRow(`SELECT dedup_key FROM dedup_keys WHERE dedup_key = ?`, key).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) ClaimKey(key, subjectID string) (bool, error) {
	res, err := s.exec(`INSERT INTO dedup_keys (dedup_key, subject_id, claimed_at) VALUES (?, ?, ?) ON CONFLICT (dedup_key) DO NOTHING`,
		key, subjectID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim key failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim key rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(key string) error {
	if _, err := s.exec(`UPDATE dedup_keys SET processed_at = ? WHERE dedup_key = ?`, time.Now().UTC(), key); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
