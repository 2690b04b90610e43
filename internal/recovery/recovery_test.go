package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	return m.recoverError
}

type staleRecoverer struct {
	calls int
	err   error
}

func (s *staleRecoverer) RecoverStaleJobs() error {
	s.calls++
	return s.err
}

func (s *staleRecoverer) RecoverStaleMessages() error {
	s.calls++
	return s.err
}

func fixedClock() time.Time {
	return time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
}

func TestNewRecoveryRegistry(t *testing.T) {
	st := store.NewInMemoryStore()
	registry := NewRecoveryRegistry(st, fixedClock)

	if registry.GetStore() != st {
		t.Error("Registry store does not match provided store")
	}
	if !registry.Now().Equal(fixedClock()) {
		t.Error("Registry clock not used")
	}
	if NewRecoveryRegistry(st, nil).Now().IsZero() {
		t.Error("nil clock should default to time.Now")
	}
}

func TestRecoveryManager_RecoverAll(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore(), fixedClock)
	ok := &mockRecoverable{}
	failing := &mockRecoverable{recoverError: errors.New("boom")}
	after := &mockRecoverable{}
	manager.RegisterRecoverable(ok)
	manager.RegisterRecoverable(failing)
	manager.RegisterRecoverable(after)

	err := manager.RecoverAll(context.Background())
	if err == nil {
		t.Error("expected an error when a component fails")
	}
	if !ok.recoverCalled || !failing.recoverCalled || !after.recoverCalled {
		t.Error("every component should be recovered even after a failure")
	}
}

func TestRecoveryManager_NoComponents(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore(), fixedClock)
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll with no components: %v", err)
	}
	if manager.GetRegistry() == nil {
		t.Error("registry should not be nil")
	}
}

func TestOpenCallRecovery(t *testing.T) {
	st := store.NewInMemoryStore()
	created := fixedClock().Add(-time.Hour)
	if err := st.SaveScheduleEntries([]models.CallScheduleEntry{{
		ID: "sched_1", PatientID: "pt_1", CallType: models.CallTypeEducation,
		ScheduledDate: created, Status: models.CallStatusInProgress, SessionID: "call_open",
	}}); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []models.CallRecord{
		{SessionID: "call_open", PatientID: "pt_1", CallType: models.CallTypeEducation, Status: models.CallStatusInProgress, ScheduleEntryID: "sched_1", CreatedAt: created},
		{SessionID: "call_ringing", PatientID: "pt_2", CallType: models.CallTypeFollowup, Status: models.CallStatusRinging, CreatedAt: created},
		{SessionID: "call_done", PatientID: "pt_3", CallType: models.CallTypeFollowup, Status: models.CallStatusCompleted, CreatedAt: created},
	} {
		if err := st.SaveCallRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	manager := NewRecoveryManager(st, fixedClock)
	manager.RegisterRecoverable(OpenCallRecovery{})
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}

	for _, id := range []string{"call_open", "call_ringing"} {
		rec, _ := st.GetCallRecord(id)
		if rec.Status != models.CallStatusFailed || rec.EndReason != RestartEndReason || rec.EndedAt == nil {
			t.Errorf("%s not closed: %+v", id, rec)
		}
	}
	if rec, _ := st.GetCallRecord("call_done"); rec.Status != models.CallStatusCompleted || rec.EndReason != "" {
		t.Errorf("terminal record touched: %+v", rec)
	}
	if entry, _ := st.GetScheduleEntry("sched_1"); entry.Status != models.CallStatusFailed {
		t.Errorf("schedule entry status = %s", entry.Status)
	}
	if open, _ := st.ListOpenCallRecords(); len(open) != 0 {
		t.Errorf("expected no open calls, got %d", len(open))
	}
}

func TestJobAndOutboxRecovery(t *testing.T) {
	jobs := &staleRecoverer{}
	outbox := &staleRecoverer{err: errors.New("db locked")}

	manager := NewRecoveryManager(store.NewInMemoryStore(), fixedClock)
	manager.RegisterRecoverable(JobRecovery(jobs))
	manager.RegisterRecoverable(OutboxRecovery(outbox))

	if err := manager.RecoverAll(context.Background()); err == nil {
		t.Error("outbox failure should be reported")
	}
	if jobs.calls != 1 || outbox.calls != 1 {
		t.Errorf("calls: jobs=%d outbox=%d", jobs.calls, outbox.calls)
	}
}

func TestRecoverFunc(t *testing.T) {
	called := false
	f := RecoverFunc(func(ctx context.Context, r *RecoveryRegistry) error {
		called = r != nil
		return nil
	})
	if err := f.RecoverState(context.Background(), NewRecoveryRegistry(nil, fixedClock)); err != nil || !called {
		t.Errorf("RecoverFunc not invoked: %v", err)
	}
}
