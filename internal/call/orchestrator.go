package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/util"
)

var (
	// ErrSessionNotFound is returned for events about a session that was never registered.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionNotTerminal is returned when retiring or flushing a live session.
	ErrSessionNotTerminal = errors.New("call session is not terminal")
	// ErrSessionExists is returned when registering an ID that is already live.
	ErrSessionExists = errors.New("call session already exists")
)

// DefaultTombstoneTTL is how long a retired session ID keeps rejecting events.
const DefaultTombstoneTTL = 24 * time.Hour

// Dialer places outbound calls with the telephony provider.
type Dialer interface {
	Dial(ctx context.Context, req models.DialRequest) (string, error)
}

// Envelope addresses an event to a session. PatientID and CallType are used only when the
// session has to be created.
type Envelope struct {
	SessionID string
	PatientID string
	CallType  models.CallType
	Event     Event
}

// PlaceRequest asks for an outbound call.
type PlaceRequest struct {
	PatientID       string
	CallType        models.CallType
	To              string
	ScheduleEntryID string
	PatientName     string
	SurgeryType     string
}

// View is a point-in-time copy of a live session.
type View struct {
	Record     models.CallRecord        `json:"record"`
	Transcript []models.TranscriptEntry `json:"transcript"`
	Alerts     []models.Alert           `json:"alerts"`
}

type tombstone struct {
	status    models.CallStatus
	retiredAt time.Time
}

// Opts holds orchestrator configuration.
type Opts struct {
	Dialer       Dialer
	TombstoneTTL time.Duration
	FlushTimeout time.Duration
}

// Option defines a functional option for configuring the Orchestrator.
type Option func(*Opts)

// WithDialer sets the telephony dialer used by PlaceCall.
func WithDialer(d Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// WithTombstoneTTL sets how long retired IDs are remembered.
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *Opts) { o.TombstoneTTL = d }
}

// WithFlushTimeout bounds how long a terminal session may take to persist.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FlushTimeout = d }
}

// Orchestrator is the registry of live sessions.
type Orchestrator struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	tombstones map[string]tombstone

	deps *Deps
	opts Opts
	wg   sync.WaitGroup
}

// NewOrchestrator creates a registry whose sessions share deps.
func NewOrchestrator(deps Deps, opts ...Option) *Orchestrator {
	cfg := Opts{TombstoneTTL: DefaultTombstoneTTL, FlushTimeout: time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	deps.setDefaults()
	return &Orchestrator{
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]tombstone),
		deps:       &deps,
		opts:       cfg,
	}
}

// GetOrCreate returns the live session for init.SessionID, creating it when absent. The
// boolean reports whether it was created. A retired ID is a StateConflictError.
func (o *Orchestrator) GetOrCreate(init Init) (*Session, bool, error) {
	if strings.TrimSpace(init.SessionID) == "" {
		return nil, false, models.NewValidationError("session_id", "required")
	}

	o.mu.Lock()
	if s, ok := o.sessions[init.SessionID]; ok {
		o.mu.Unlock()
		return s, false, nil
	}
	if ts, ok := o.tombstoneLocked(init.SessionID); ok {
		o.mu.Unlock()
		return nil, false, &models.StateConflictError{SessionID: init.SessionID, Status: ts.status, Event: "lookup"}
	}
	o.mu.Unlock()

	// Store lookups happen outside the registry lock.
	s, err := o.hydrate(init)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.sessions[init.SessionID]; ok {
		return existing, false, nil
	}
	o.sessions[init.SessionID] = s
	o.deps.Metrics.SetActiveSessions(len(o.sessions))
	slog.Debug("Orchestrator.GetOrCreate: session created", "sessionID", init.SessionID, "status", s.status)
	return s, true, nil
}

// hydrate builds a session from its persisted record, or from init when none exists.
func (o *Orchestrator) hydrate(init Init) (*Session, error) {
	if o.deps.Store != nil {
		rec, err := o.deps.Store.GetCallRecord(init.SessionID)
		if err != nil {
			return nil, models.NewExternalServiceError("store", err)
		}
		if rec != nil {
			if rec.Status.IsTerminal() {
				return nil, &models.StateConflictError{SessionID: rec.SessionID, Status: rec.Status, Event: "lookup"}
			}
			entries, err := o.deps.Store.GetTranscript(rec.SessionID)
			if err != nil {
				return nil, models.NewExternalServiceError("store", err)
			}
			s := restoreSession(*rec, entries, o.deps)
			if p, err := o.deps.Store.GetPatient(rec.PatientID); err == nil && p != nil {
				s.patientName, s.surgeryType = p.Name, p.SurgeryType
			}
			return s, nil
		}
	}
	if init.PatientID == "" || !models.IsValidCallType(init.CallType) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, init.SessionID)
	}
	return newSession(init, o.deps), nil
}

// Register creates a fresh session, clearing any tombstone left for the same ID.
func (o *Orchestrator) Register(init Init) (*Session, error) {
	if strings.TrimSpace(init.SessionID) == "" {
		return nil, models.NewValidationError("session_id", "required")
	}
	if init.PatientID == "" {
		return nil, models.NewValidationError("patient_id", "required")
	}
	if !models.IsValidCallType(init.CallType) {
		return nil, models.NewValidationError("call_type", models.ErrInvalidCallType.Error())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[init.SessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, init.SessionID)
	}
	delete(o.tombstones, init.SessionID)
	s := newSession(init, o.deps)
	o.sessions[init.SessionID] = s
	o.deps.Metrics.SetActiveSessions(len(o.sessions))
	slog.Debug("Orchestrator.Register: session registered", "sessionID", init.SessionID, "patientID", init.PatientID, "callType", init.CallType)
	return s, nil
}

// Get returns the live session with id.
func (o *Orchestrator) Get(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Dispatch routes an event to its session. A terminal result schedules the session to be
// flushed and retired in the background.
func (o *Orchestrator) Dispatch(ctx context.Context, env Envelope) (Result, error) {
	if env.Event == nil {
		return Result{}, models.NewValidationError("event", "required")
	}

	s, err := o.lookupForEvent(env)
	if err != nil {
		slog.Debug("Orchestrator.Dispatch: no session for event", "sessionID", env.SessionID, "event", EventName(env.Event), "error", err)
		return Result{}, err
	}

	res, err := s.Apply(ctx, env.Event)
	if err != nil {
		return res, err
	}
	if res.StatusChanged && !res.Terminal {
		o.persist(s)
	}
	if res.Terminal {
		o.finish(s)
	}
	return res, nil
}

// lookupForEvent finds the session for env. An Initiated event re-opens a retired ID.
func (o *Orchestrator) lookupForEvent(env Envelope) (*Session, error) {
	init := Init{SessionID: env.SessionID, PatientID: env.PatientID, CallType: env.CallType}
	if _, ok := env.Event.(Initiated); ok {
		o.mu.Lock()
		_, live := o.sessions[env.SessionID]
		_, retired := o.tombstoneLocked(env.SessionID)
		o.mu.Unlock()
		if !live && retired {
			return o.Register(init)
		}
	}
	s, _, err := o.GetOrCreate(init)
	return s, err
}

func (o *Orchestrator) persist(s *Session) {
	if o.deps.Store == nil {
		return
	}
	rec := s.Record()
	if err := o.deps.Store.SaveCallRecord(rec); err != nil {
		slog.Error("Orchestrator.persist: failed to save call record", "sessionID", rec.SessionID, "error", err)
	}
	if rec.ScheduleEntryID != "" {
		if err := o.deps.Store.UpdateScheduleEntry(rec.ScheduleEntryID, rec.Status, rec.SessionID); err != nil {
			slog.Error("Orchestrator.persist: failed to update schedule entry", "entryID", rec.ScheduleEntryID, "error", err)
		}
	}
}

// finish flushes and retires a terminal session without blocking the caller.
func (o *Orchestrator) finish(s *Session) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.FlushTimeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			slog.Error("Orchestrator.finish: flush failed", "sessionID", s.ID(), "error", err)
		}
		if err := o.Retire(s.ID()); err != nil {
			slog.Warn("Orchestrator.finish: retire failed", "sessionID", s.ID(), "error", err)
		}
	}()
}

// Retire removes a terminal session and leaves a tombstone for its ID.
func (o *Orchestrator) Retire(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	status := s.Status()
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotTerminal, id, status)
	}
	delete(o.sessions, id)
	o.tombstones[id] = tombstone{status: status, retiredAt: o.deps.Now()}
	o.deps.Metrics.SetActiveSessions(len(o.sessions))
	slog.Debug("Orchestrator.Retire: session retired", "sessionID", id, "status", status)
	return nil
}

func (o *Orchestrator) tombstoneLocked(id string) (tombstone, bool) {
	ts, ok := o.tombstones[id]
	if !ok {
		return ts, false
	}
	if o.opts.TombstoneTTL > 0 && o.deps.Now().Sub(ts.retiredAt) > o.opts.TombstoneTTL {
		delete(o.tombstones, id)
		return ts, false
	}
	return ts, true
}

// PlaceCall registers a session, persists it and dials the patient. A dialing failure ends
// the session as failed and is returned as an ExternalServiceError.
func (o *Orchestrator) PlaceCall(ctx context.Context, req PlaceRequest) (models.CallRecord, error) {
	if o.opts.Dialer == nil {
		return models.CallRecord{}, errors.New("no dialer configured")
	}
	if strings.TrimSpace(req.To) == "" {
		return models.CallRecord{}, models.NewValidationError("to", "required")
	}

	s, err := o.Register(Init{
		SessionID:       util.NewSessionID(),
		PatientID:       req.PatientID,
		CallType:        req.CallType,
		ScheduleEntryID: req.ScheduleEntryID,
		PatientName:     req.PatientName,
		SurgeryType:     req.SurgeryType,
	})
	if err != nil {
		return models.CallRecord{}, err
	}
	o.persist(s)

	sid, dialErr := o.opts.Dialer.Dial(ctx, models.DialRequest{
		SessionID: s.ID(),
		PatientID: req.PatientID,
		CallType:  req.CallType,
		To:        req.To,
	})
	if dialErr != nil {
		slog.Error("Orchestrator.PlaceCall: dial failed", "sessionID", s.ID(), "patientID", req.PatientID, "error", dialErr)
		if _, err := o.Dispatch(ctx, Envelope{SessionID: s.ID(), Event: Failure{Detail: "dial failed: " + dialErr.Error()}}); err != nil {
			slog.Warn("Orchestrator.PlaceCall: failed to mark session failed", "sessionID", s.ID(), "error", err)
		}
		var xe *models.ExternalServiceError
		if !errors.As(dialErr, &xe) {
			dialErr = models.NewExternalServiceError("dialer", dialErr)
		}
		return s.Record(), dialErr
	}

	if _, err := o.Dispatch(ctx, Envelope{SessionID: s.ID(), Event: Initiated{ProviderCallID: sid}}); err != nil {
		return s.Record(), err
	}
	slog.Info("Orchestrator.PlaceCall: call placed", "sessionID", s.ID(), "patientID", req.PatientID, "callType", req.CallType, "providerCallID", sid)
	return s.Record(), nil
}

// ReapStale fails sessions that have not moved for longer than maxAge. It returns how many
// sessions were reaped.
func (o *Orchestrator) ReapStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := o.deps.Now().Add(-maxAge)

	o.mu.Lock()
	live := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		live = append(live, s)
	}
	for id, ts := range o.tombstones {
		if o.opts.TombstoneTTL > 0 && o.deps.Now().Sub(ts.retiredAt) > o.opts.TombstoneTTL {
			delete(o.tombstones, id)
		}
	}
	o.mu.Unlock()

	var stale []string
	for _, s := range live {
		rec := s.Record()
		if !rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec.SessionID)
		}
	}

	n := 0
	for _, id := range stale {
		if _, err := o.Dispatch(ctx, Envelope{SessionID: id, Event: Failure{Detail: "session timed out"}}); err != nil {
			slog.Warn("Orchestrator.ReapStale: could not fail session", "sessionID", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("Orchestrator.ReapStale: reaped stale sessions", "count", n, "maxAge", maxAge)
	}
	return n
}

// Snapshot returns a copy of a live session.
func (o *Orchestrator) Snapshot(id string) (View, bool) {
	s, ok := o.Get(id)
	if !ok {
		return View{}, false
	}
	return View{Record: s.Record(), Transcript: s.Transcript(true), Alerts: s.Alerts()}, true
}

// Active returns records of all live sessions ordered by creation time.
func (o *Orchestrator) Active() []models.CallRecord {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	out := make([]models.CallRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Wait blocks until background flushes finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return wait(ctx, &o.wg)
}
