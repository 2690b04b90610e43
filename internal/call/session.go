// Package call runs live call sessions: the per-call state machine and the registry that
// routes provider events to it.
//
// A Session serialises its events with a mutex. The slow parts of a speech turn (clinical
// detection and response generation) run with the lock released; when they finish the
// session checks that the turn is still current before committing the instruction.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/alerting"
	"github.com/BTreeMap/PostOpCall/internal/clinical"
	"github.com/BTreeMap/PostOpCall/internal/flow"
	"github.com/BTreeMap/PostOpCall/internal/metrics"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
	"github.com/BTreeMap/PostOpCall/internal/transcript"
)

// Detector finds clinically significant statements in an utterance.
type Detector interface {
	Detect(ctx context.Context, in clinical.Input) (clinical.Result, error)
}

// AlertRouter delivers alerts to notification channels.
type AlertRouter interface {
	Route(ctx context.Context, alert models.Alert) (alerting.Result, error)
}

// Defaults for session collaborators.
const (
	DefaultDetectorTimeout = 2 * time.Second
	DefaultRouteTimeout    = 30 * time.Second
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Detector         Detector
	Engine           *flow.Engine
	Router           AlertRouter
	Store            store.Store
	Metrics          *metrics.Metrics
	UnclearThreshold float64
	DetectorTimeout  time.Duration
	RouteTimeout     time.Duration
	Now              func() time.Time
}

func (d *Deps) setDefaults() {
	if d.Engine == nil {
		d.Engine = flow.NewEngine(flow.ScriptedGenerator{})
	}
	if d.Detector == nil {
		d.Detector = clinical.NewDetector()
	}
	if d.DetectorTimeout <= 0 {
		d.DetectorTimeout = DefaultDetectorTimeout
	}
	if d.RouteTimeout <= 0 {
		d.RouteTimeout = DefaultRouteTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Init describes a session being created.
type Init struct {
	SessionID       string
	PatientID       string
	CallType        models.CallType
	ScheduleEntryID string
	PatientName     string
	SurgeryType     string
}

// Result is the outcome of applying one event to a session.
type Result struct {
	Status        models.CallStatus
	StatusChanged bool
	// Instruction is set when the event produced something to say.
	Instruction *models.DialogueInstruction
	// Replayed marks an instruction returned for a re-delivered event.
	Replayed bool
	// Stale marks a speech turn whose instruction was discarded because the session moved on.
	Stale bool
	// Terminal is set on the event that ended the session.
	Terminal bool
}

// turnState tracks one speech turn from append to commit.
type turnState struct {
	done  chan struct{}
	instr models.DialogueInstruction
	stale bool
}

// Session is one live call.
type Session struct {
	mu   sync.Mutex
	deps *Deps

	id              string
	patientID       string
	callType        models.CallType
	scheduleEntryID string
	patientName     string
	surgeryType     string
	providerCallID  string

	status    models.CallStatus
	startedAt *time.Time
	endedAt   *time.Time
	endReason string
	createdAt time.Time
	updatedAt time.Time

	transcript    *transcript.Accumulator
	clinical      models.ClinicalContext
	painTurn      int // turn that set clinical.PainScore
	alerts        []models.Alert
	unclearStreak int
	greeting      *models.DialogueInstruction
	turns         map[int]*turnState

	inflight sync.WaitGroup
	routing  sync.WaitGroup
	flushed  bool
}

func newSession(init Init, deps *Deps) *Session {
	now := deps.Now()
	return &Session{
		deps:            deps,
		id:              init.SessionID,
		patientID:       init.PatientID,
		callType:        init.CallType,
		scheduleEntryID: init.ScheduleEntryID,
		patientName:     init.PatientName,
		surgeryType:     init.SurgeryType,
		status:          models.CallStatusScheduled,
		createdAt:       now,
		updatedAt:       now,
		transcript:      transcript.New(deps.UnclearThreshold),
		painTurn:        -1,
		turns:           make(map[int]*turnState),
	}
}

// restoreSession rebuilds a session from its persisted record.
func restoreSession(rec models.CallRecord, entries []models.TranscriptEntry, deps *Deps) *Session {
	s := newSession(Init{
		SessionID:       rec.SessionID,
		PatientID:       rec.PatientID,
		CallType:        rec.CallType,
		ScheduleEntryID: rec.ScheduleEntryID,
	}, deps)
	s.status = rec.Status
	s.providerCallID = rec.ProviderCallID
	s.startedAt = rec.StartedAt
	s.createdAt = rec.CreatedAt
	s.clinical = rec.Clinical.Clone()
	s.transcript = transcript.Restore(deps.UnclearThreshold, entries)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Status returns the current status.
func (s *Session) Status() models.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Apply feeds one event to the session.
func (s *Session) Apply(ctx context.Context, ev Event) (Result, error) {
	if sf, ok := ev.(SpeechFinal); ok {
		return s.applySpeechFinal(ctx, sf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.status
	next, err := nextStatus(s.id, prev, ev)
	if err != nil {
		slog.Debug("Session.Apply: event dropped", "sessionID", s.id, "event", EventName(ev), "status", prev, "error", err)
		return Result{Status: prev}, err
	}
	now := s.deps.Now()
	res := Result{Status: next, StatusChanged: next != prev}

	switch e := ev.(type) {
	case Initiated:
		if e.ProviderCallID != "" {
			s.providerCallID = e.ProviderCallID
		}
	case Answered:
		if s.greeting != nil {
			g := *s.greeting
			res.Instruction, res.Replayed = &g, true
			break
		}
		s.startedAt = &now
		g := s.deps.Engine.Opening(s.snapshotLocked())
		s.transcript.AppendSystem(g.Text, now)
		s.greeting = &g
		res.Instruction = &g
	case SpeechPartial:
		s.transcript.AppendPartial(e.Text, e.Confidence, now)
	case CallEnded:
		s.endReason = string(e.Reason)
	case Failure:
		s.endReason = e.Detail
		if s.endReason == "" {
			s.endReason = "failure"
		}
	}

	s.status = next
	if res.StatusChanged || res.Instruction != nil {
		s.updatedAt = now
	}
	if next.IsTerminal() {
		s.endedAt = &now
		res.Terminal = true
		slog.Info("Session.Apply: call ended", "sessionID", s.id, "status", next, "reason", s.endReason, "turns", s.transcript.TurnIndex())
	} else if res.StatusChanged {
		slog.Debug("Session.Apply: status changed", "sessionID", s.id, "from", prev, "to", next)
	}
	return res, nil
}

// applySpeechFinal runs one patient turn: append, detect, route, generate, commit.
func (s *Session) applySpeechFinal(ctx context.Context, ev SpeechFinal) (Result, error) {
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return Result{}, models.NewValidationError("confidence", "must be between 0 and 1")
	}

	s.mu.Lock()
	if _, err := nextStatus(s.id, s.status, ev); err != nil {
		status := s.status
		s.mu.Unlock()
		return Result{Status: status}, err
	}
	turn := ev.Turn
	if turn < 0 {
		turn = s.transcript.TurnIndex()
	}
	now := s.deps.Now()
	entry, err := s.transcript.AppendFinal(turn, ev.Text, ev.Confidence, now)
	switch {
	case errors.Is(err, transcript.ErrDuplicateFinal):
		ts := s.turns[turn]
		s.mu.Unlock()
		return s.replay(ctx, turn, ts)
	case err != nil:
		status := s.status
		s.mu.Unlock()
		return Result{Status: status}, models.NewValidationError("turn", err.Error())
	}

	unclear := s.transcript.IsUnclear(entry)
	if unclear {
		s.unclearStreak++
	} else {
		s.unclearStreak = 0
	}
	ts := &turnState{done: make(chan struct{})}
	s.turns[turn] = ts
	s.updatedAt = now
	snap := s.snapshotLocked()
	snap.LastUnclear = unclear
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	start := time.Now()
	detected := s.detect(ctx, entry, snap.Clinical)
	s.routeAsync(ctx, detected.Alerts)

	snap.Clinical = detected.Context
	snap.Alerts = detected.Alerts
	instr := s.deps.Engine.Next(ctx, snap)
	s.deps.Metrics.ObserveTurn(string(s.callType), time.Since(start))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeClinicalLocked(turn, detected.Stated)
	s.alerts = append(s.alerts, detected.Alerts...)

	res := Result{Status: s.status}
	if s.status.IsTerminal() || s.transcript.TurnIndex() != turn+1 {
		ts.stale = true
		close(ts.done)
		res.Stale = true
		slog.Info("Session.applySpeechFinal: discarding stale instruction", "sessionID", s.id, "turn", turn, "status", s.status)
		return res, nil
	}
	ts.instr = instr
	close(ts.done)
	s.transcript.AppendSystem(instr.Text, s.deps.Now())
	s.updatedAt = s.deps.Now()
	res.Instruction = &instr
	slog.Debug("Session.applySpeechFinal: turn committed", "sessionID", s.id, "turn", turn,
		"action", instr.Action, "alerts", len(detected.Alerts), "unclear", unclear)
	return res, nil
}

// mergeClinicalLocked folds the facts stated in one turn into the live context. Turns may
// commit out of order: flags and concerns accumulate, and the pain score comes from the
// latest turn that stated one. Caller holds s.mu.
func (s *Session) mergeClinicalLocked(turn int, stated models.ClinicalContext) {
	c := &s.clinical
	if stated.PainScore != nil && turn >= s.painTurn {
		c.SetPainScore(*stated.PainScore)
		s.painTurn = turn
	}
	c.MobilityFlag = c.MobilityFlag || stated.MobilityFlag
	c.WoundFlag = c.WoundFlag || stated.WoundFlag
	c.MedicationFlag = c.MedicationFlag || stated.MedicationFlag
	for _, tag := range stated.Concerns {
		c.AddConcern(tag)
	}
	if stated.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = stated.UpdatedAt
	}
}

// replay answers a re-delivered SpeechFinal with the instruction already computed for it,
// waiting when that computation is still running.
func (s *Session) replay(ctx context.Context, turn int, ts *turnState) (Result, error) {
	if ts == nil {
		return s.replayRestored(turn), nil
	}
	select {
	case <-ts.done:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for turn %d: %w", turn, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res := Result{Status: s.status, Replayed: true, Stale: ts.stale}
	if !ts.stale {
		instr := ts.instr
		res.Instruction = &instr
	}
	slog.Debug("Session.replay: re-delivered speech turn", "sessionID", s.id, "turn", turn, "stale", ts.stale)
	return res, nil
}

// replayRestored answers a re-delivered turn that this process never ran, which happens
// after the session was rebuilt from the store. The last system line is spoken again when
// it answered turn; older turns get a clarification at the current turn.
func (s *Session) replayRestored(turn int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := Result{Status: s.status, Replayed: true}
	if s.status.IsTerminal() {
		res.Stale = true
		return res
	}
	next := s.transcript.TurnIndex()
	instr := models.SpeakThenListen(flow.ClarificationText, next)
	if turn == next-1 {
		entries := s.transcript.Entries(false)
		if n := len(entries); n > 0 && entries[n-1].Speaker == models.SpeakerSystem && entries[n-1].Turn == next {
			instr = models.SpeakThenListen(entries[n-1].Text, next)
		}
	}
	res.Instruction = &instr
	slog.Debug("Session.replayRestored: re-delivered turn without stored reply", "sessionID", s.id, "turn", turn)
	return res
}

// detect runs the clinical detector under its timeout. Failures yield no alerts and an
// unchanged context.
func (s *Session) detect(ctx context.Context, entry models.TranscriptEntry, cc models.ClinicalContext) clinical.Result {
	dctx, cancel := context.WithTimeout(ctx, s.deps.DetectorTimeout)
	defer cancel()
	res, err := s.deps.Detector.Detect(dctx, clinical.Input{
		SessionID: s.id,
		PatientID: s.patientID,
		Utterance: entry.Text,
		At:        entry.Timestamp,
		Context:   cc,
	})
	if err != nil {
		err = models.NewExternalServiceError("clinical_detector", err)
		slog.Error("Session.detect: detection failed", "sessionID", s.id, "turn", entry.Turn, "error", err)
		return clinical.Result{Context: cc}
	}
	for _, a := range res.Alerts {
		s.deps.Metrics.RecordAlert(string(a.Kind), string(a.Severity))
	}
	return res
}

// routeAsync hands alerts to the router without waiting. Flush waits for these.
func (s *Session) routeAsync(ctx context.Context, alerts []models.Alert) {
	if s.deps.Router == nil || len(alerts) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, a := range alerts {
		s.routing.Add(1)
		go func(a models.Alert) {
			defer s.routing.Done()
			rctx, cancel := context.WithTimeout(base, s.deps.RouteTimeout)
			defer cancel()
			if _, err := s.deps.Router.Route(rctx, a); err != nil {
				slog.Error("Session.routeAsync: routing failed", "sessionID", s.id, "alertID", a.ID, "error", err)
			}
		}(a)
	}
}

// snapshotLocked captures what the turn engine needs. Caller holds s.mu.
func (s *Session) snapshotLocked() flow.Snapshot {
	return flow.Snapshot{
		SessionID:     s.id,
		CallType:      s.callType,
		PatientName:   s.patientName,
		SurgeryType:   s.surgeryType,
		TurnIndex:     s.transcript.TurnIndex(),
		Transcript:    s.transcript.Entries(false),
		Clinical:      s.clinical.Clone(),
		UnclearStreak: s.unclearStreak,
	}
}

// Record returns the persisted view of the session.
func (s *Session) Record() models.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Session) recordLocked() models.CallRecord {
	return models.CallRecord{
		SessionID:       s.id,
		PatientID:       s.patientID,
		CallType:        s.callType,
		Status:          s.status,
		ScheduleEntryID: s.scheduleEntryID,
		ProviderCallID:  s.providerCallID,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		TurnIndex:       s.transcript.TurnIndex(),
		EndReason:       s.endReason,
		Clinical:        s.clinical.Clone(),
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
}

// Transcript returns the session transcript.
func (s *Session) Transcript(includePartials bool) []models.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Entries(includePartials)
}

// Alerts returns the alerts raised so far.
func (s *Session) Alerts() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.alerts...)
}

// Flush persists a terminal session once in-flight turns and alert routing have finished.
// It runs at most once.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.status.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionNotTerminal
	}
	if s.flushed {
		s.mu.Unlock()
		return nil
	}
	s.flushed = true
	s.mu.Unlock()

	if err := wait(ctx, &s.inflight); err != nil {
		return fmt.Errorf("waiting for in-flight turns: %w", err)
	}
	if err := wait(ctx, &s.routing); err != nil {
		return fmt.Errorf("waiting for alert routing: %w", err)
	}

	s.mu.Lock()
	rec := s.recordLocked()
	entries := s.transcript.Entries(false)
	alerts := append([]models.Alert(nil), s.alerts...)
	s.mu.Unlock()

	s.deps.Metrics.RecordCall(string(rec.CallType), string(rec.Status))
	if s.deps.Store == nil {
		return nil
	}
	var errs []error
	if err := s.deps.Store.SaveCallRecord(rec); err != nil {
		errs = append(errs, fmt.Errorf("save call record: %w", err))
	}
	if err := s.deps.Store.SaveTranscript(rec.SessionID, entries); err != nil {
		errs = append(errs, fmt.Errorf("save transcript: %w", err))
	}
	for _, a := range alerts {
		if err := s.deps.Store.SaveAlert(a); err != nil {
			errs = append(errs, fmt.Errorf("save alert %s: %w", a.ID, err))
		}
	}
	if rec.ScheduleEntryID != "" {
		if err := s.deps.Store.UpdateScheduleEntry(rec.ScheduleEntryID, rec.Status, rec.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("update schedule entry: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("Session.Flush: persistence incomplete", "sessionID", s.id, "error", err)
		return models.NewExternalServiceError("store", err)
	}
	slog.Info("Session.Flush: call persisted", "sessionID", s.id, "status", rec.Status, "turns", rec.TurnIndex, "alerts", len(alerts))
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
