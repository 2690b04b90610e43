package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// JobKindPlaceScheduledCall dials one schedule entry.
const JobKindPlaceScheduledCall = "place_scheduled_call"

// DefaultCallHour is the local hour scheduled calls are placed at.
const DefaultCallHour = 10

// PlaceScheduledCallPayload is the JSON payload for place_scheduled_call jobs.
type PlaceScheduledCallPayload struct {
	EntryID   string `json:"entry_id"`
	PatientID string `json:"patient_id"`
}

// CallPlacer starts outbound calls. *call.Orchestrator satisfies it.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req call.PlaceRequest) (models.CallRecord, error)
}

// PlannerOpts configures a Planner.
type PlannerOpts struct {
	CallHour int
	Now      func() time.Time
}

// PlannerOption is a functional option for configuring a Planner.
type PlannerOption func(*PlannerOpts)

// WithCallHour sets the local hour scheduled calls are placed at.
func WithCallHour(h int) PlannerOption {
	return func(o *PlannerOpts) { o.CallHour = h }
}

// WithClock overrides the planner's time source.
func WithClock(now func() time.Time) PlannerOption {
	return func(o *PlannerOpts) { o.Now = now }
}

// Planner enrolls patients: it stores their schedule and enqueues one durable dial job per
// upcoming entry.
type Planner struct {
	store store.Store
	jobs  store.JobRepo
	opts  PlannerOpts
}

// NewPlanner creates a Planner.
func NewPlanner(st store.Store, jobs store.JobRepo, opts ...PlannerOption) *Planner {
	cfg := PlannerOpts{CallHour: DefaultCallHour, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CallHour < 0 || cfg.CallHour > 23 {
		cfg.CallHour = DefaultCallHour
	}
	return &Planner{store: st, jobs: jobs, opts: cfg}
}

// Enroll saves the patient and their schedule and enqueues dial jobs. Entries whose call time
// has already passed are stored but not dialed. Re-enrolling a patient is idempotent: entry
// IDs are deterministic and double as job dedupe keys.
func (p *Planner) Enroll(ctx context.Context, patient models.Patient) ([]models.CallScheduleEntry, error) {
	if err := patient.Validate(); err != nil {
		return nil, models.NewValidationError("patient", err.Error())
	}
	entries, err := GenerateSchedule(patient)
	if err != nil {
		return nil, models.NewValidationError("patient", err.Error())
	}
	// Keep progress of entries from an earlier enrollment.
	existing, err := p.store.GetSchedule(patient.ID)
	if err != nil {
		return nil, fmt.Errorf("load schedule for %s: %w", patient.ID, err)
	}
	prior := make(map[string]models.CallScheduleEntry, len(existing))
	for _, e := range existing {
		prior[e.ID] = e
	}
	for i := range entries {
		if old, ok := prior[entries[i].ID]; ok {
			entries[i].Status = old.Status
			entries[i].SessionID = old.SessionID
		}
	}

	if err := p.store.SavePatient(patient); err != nil {
		return nil, fmt.Errorf("save patient %s: %w", patient.ID, err)
	}
	if err := p.store.SaveScheduleEntries(entries); err != nil {
		return nil, fmt.Errorf("save schedule for %s: %w", patient.ID, err)
	}

	now := p.opts.Now()
	queued := 0
	for _, e := range entries {
		if e.Status != models.CallStatusScheduled {
			continue
		}
		runAt := CallTime(e, p.opts.CallHour)
		if runAt.Before(now) {
			slog.Debug("Planner.Enroll: call time passed, not dialing", "patientID", patient.ID, "entryID", e.ID, "callType", e.CallType)
			continue
		}
		payload, err := json.Marshal(PlaceScheduledCallPayload{EntryID: e.ID, PatientID: patient.ID})
		if err != nil {
			return entries, fmt.Errorf("marshal payload: %w", err)
		}
		if _, err := p.jobs.EnqueueJob(store.JobSpec{
			Kind:        JobKindPlaceScheduledCall,
			RunAt:       runAt,
			PayloadJSON: string(payload),
			DedupeKey:   e.ID,
		}); err != nil {
			return entries, fmt.Errorf("enqueue call for entry %s: %w", e.ID, err)
		}
		queued++
	}
	slog.Info("Planner.Enroll: patient enrolled", "patientID", patient.ID, "surgeryDate", patient.SurgeryDate.Format(time.DateOnly), "entries", len(entries), "queued", queued)
	return entries, nil
}

// RegisterJobHandlers registers scheduler job handlers with the runner.
func RegisterJobHandlers(runner *store.JobRunner, st store.Store, placer CallPlacer) {
	runner.RegisterHandler(JobKindPlaceScheduledCall, makePlaceScheduledCallHandler(st, placer))
}

func makePlaceScheduledCallHandler(st store.Store, placer CallPlacer) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p PlaceScheduledCallPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid place_scheduled_call payload: %w", err)
		}
		slog.Info("JobHandler.place_scheduled_call: executing", "entryID", p.EntryID, "patientID", p.PatientID)

		entry, err := st.GetScheduleEntry(p.EntryID)
		if err != nil {
			return fmt.Errorf("load schedule entry: %w", err)
		}
		if entry == nil {
			slog.Warn("JobHandler.place_scheduled_call: entry no longer exists, skipping", "entryID", p.EntryID)
			return nil
		}
		// Idempotency: only entries that were never dialed or whose dial failed are placed.
		if entry.Status != models.CallStatusScheduled && entry.Status != models.CallStatusFailed {
			slog.Info("JobHandler.place_scheduled_call: entry already handled, skipping", "entryID", entry.ID, "status", entry.Status)
			return nil
		}

		patient, err := st.GetPatient(entry.PatientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}
		if patient == nil {
			slog.Warn("JobHandler.place_scheduled_call: patient no longer exists, skipping", "patientID", entry.PatientID)
			return nil
		}

		rec, err := placer.PlaceCall(ctx, call.PlaceRequest{
			PatientID:       patient.ID,
			CallType:        entry.CallType,
			To:              patient.Phone,
			ScheduleEntryID: entry.ID,
			PatientName:     patient.Name,
			SurgeryType:     entry.SurgeryType,
		})
		if err != nil {
			if models.KindOf(err) == models.KindValidation {
				slog.Error("JobHandler.place_scheduled_call: request rejected, not retrying", "entryID", entry.ID, "error", err)
				return nil
			}
			return fmt.Errorf("place call for entry %s: %w", entry.ID, err)
		}
		slog.Info("JobHandler.place_scheduled_call: call placed", "entryID", entry.ID, "sessionID", rec.SessionID)
		return nil
	}
}
