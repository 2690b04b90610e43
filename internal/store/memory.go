package store

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// InMemoryStore keeps everything in process memory. It does not implement JobRepo or
// OutboxRepo, so scheduled dialing and delivery retries require a SQL store.
type InMemoryStore struct {
	mu            sync.RWMutex
	patients      map[string]models.Patient
	schedule      map[string]models.CallScheduleEntry
	calls         map[string]models.CallRecord
	transcripts   map[string][]models.TranscriptEntry
	alerts        map[string]models.Alert
	alertOrder    []string
	deliveries    map[string][]models.AlertDelivery
	notifications []models.Notification
	dedup         map[string]DedupRecord
}

var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:    make(map[string]models.Patient),
		schedule:    make(map[string]models.CallScheduleEntry),
		calls:       make(map[string]models.CallRecord),
		transcripts: make(map[string][]models.TranscriptEntry),
		alerts:      make(map[string]models.Alert),
		deliveries:  make(map[string][]models.AlertDelivery),
		dedup:       make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) SavePatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SaveScheduleEntries(entries []models.CallScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.schedule[e.ID] = e
	}
	return nil
}

func (s *InMemoryStore) GetSchedule(patientID string) ([]models.CallScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallScheduleEntry
	for _, e := range s.schedule {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDate.Before(out[j].ScheduledDate) })
	return out, nil
}

func (s *InMemoryStore) GetScheduleEntry(id string) (*models.CallScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.schedule[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) UpdateScheduleEntry(id string, status models.CallStatus, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedule[id]
	if !ok {
		return nil
	}
	e.Status = status
	if sessionID != "" {
		e.SessionID = sessionID
	}
	s.schedule[id] = e
	return nil
}

func (s *InMemoryStore) SaveCallRecord(rec models.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.calls[rec.SessionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Clinical = rec.Clinical.Clone()
	s.calls[rec.SessionID] = rec
	return nil
}

func (s *InMemoryStore) GetCallRecord(sessionID string) (*models.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[sessionID]
	if !ok {
		return nil, nil
	}
	rec.Clinical = rec.Clinical.Clone()
	return &rec, nil
}

func (s *InMemoryStore) ListOpenCallRecords() ([]models.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallRecord
	for _, rec := range s.calls {
		if !rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveTranscript(sessionID string, entries []models.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[sessionID] = slices.Clone(entries)
	return nil
}

func (s *InMemoryStore) GetTranscript(sessionID string) ([]models.TranscriptEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transcripts[sessionID]), nil
}

func (s *InMemoryStore) SaveAlert(a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return nil
	}
	s.alerts[a.ID] = a
	s.alertOrder = append(s.alertOrder, a.ID)
	return nil
}

func (s *InMemoryStore) GetAlerts(sessionID string) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, id := range s.alertOrder {
		a := s.alerts[id]
		if sessionID == "" || a.CallSessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetAlert(id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) RecordDelivery(d models.AlertDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.AlertID] = append(s.deliveries[d.AlertID], d)
	return nil
}

func (s *InMemoryStore) GetDeliveries(alertID string) ([]models.AlertDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deliveries[alertID]), nil
}

func (s *InMemoryStore) AddNotification(n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.notifications {
		if existing.ID == n.ID {
			return nil
		}
	}
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *InMemoryStore) GetNotifications(patientID string) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if patientID == "" || n.PatientID == patientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[key]
	return ok, nil
}

func (s *InMemoryStore) ClaimKey(key, subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = DedupRecord{Key: key, SubjectID: subjectID, ClaimedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[key]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	s.dedup[key] = rec
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
