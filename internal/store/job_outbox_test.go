package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now().Add(time.Hour)
	id, err := s.EnqueueJob(JobSpec{Kind: "place_scheduled_call", RunAt: runAt, PayloadJSON: `{"entry_id":"e1"}`})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	job, err := s.GetJob(id)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v %v", job, err)
	}
	if job.Kind != "place_scheduled_call" || job.Status != JobStatusQueued {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.MaxAttempts != DefaultJobMaxAttempts {
		t.Errorf("expected default max attempts, got %d", job.MaxAttempts)
	}
	if missing, err := s.GetJob("job_missing"); err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing job, got %v %v", missing, err)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	runAt := time.Now().Add(time.Hour)

	id1, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: runAt, DedupeKey: "entry-1"})
	id2, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: runAt, DedupeKey: "entry-1"})
	if id1 != id2 {
		t.Errorf("expected dedupe to return %q, got %q", id1, id2)
	}
	id3, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: runAt, DedupeKey: "entry-2"})
	if id3 == id1 {
		t.Error("expected a new job for a different dedupe key")
	}

	if err := s.CancelJobByDedupeKey("entry-1"); err != nil {
		t.Fatalf("CancelJobByDedupeKey: %v", err)
	}
	job, _ := s.GetJob(id1)
	if job.Status != JobStatusCanceled {
		t.Errorf("expected canceled, got %s", job.Status)
	}
	id4, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: runAt, DedupeKey: "entry-1"})
	if id4 == id1 {
		t.Error("expected a new job once the old one was canceled")
	}
}

func TestSQLiteStore_JobRepo_ClaimAndFail(t *testing.T) {
	s := newTestSQLiteStore(t)

	pastID, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: time.Now().Add(-time.Minute), MaxAttempts: 2})
	_, _ = s.EnqueueJob(JobSpec{Kind: "k", RunAt: time.Now().Add(time.Hour)})

	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != pastID || jobs[0].Status != JobStatusRunning {
		t.Fatalf("unexpected claimed jobs: %+v", jobs)
	}
	if again, _ := s.ClaimDueJobs(time.Now(), 10); len(again) != 0 {
		t.Errorf("running job claimed twice: %+v", again)
	}

	if err := s.FailJob(pastID, "dial failed", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	job, _ := s.GetJob(pastID)
	if job.Status != JobStatusQueued || job.Attempt != 1 || job.LastError != "dial failed" {
		t.Errorf("unexpected job after first failure: %+v", job)
	}

	_, _ = s.ClaimDueJobs(time.Now(), 10)
	_ = s.FailJob(pastID, "dial failed again", time.Now())
	job, _ = s.GetJob(pastID)
	if job.Status != JobStatusFailed {
		t.Errorf("expected failed after exhausting attempts, got %s", job.Status)
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	id, _ := s.EnqueueJob(JobSpec{Kind: "k", RunAt: time.Now().Add(-time.Minute)})
	_, _ = s.ClaimDueJobs(time.Now().Add(-time.Hour), 10) // nothing due an hour ago
	_, _ = s.ClaimDueJobs(time.Now(), 10)

	n, err := s.RequeueStaleRunningJobs(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleRunningJobs = %d, %v", n, err)
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued || job.LockedAt != nil {
		t.Errorf("unexpected job after requeue: %+v", job)
	}
}

func TestJobRunner_PollOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	okID, _ := s.EnqueueJob(JobSpec{Kind: "ok", RunAt: time.Now().Add(-time.Second)})
	badID, _ := s.EnqueueJob(JobSpec{Kind: "bad", RunAt: time.Now().Add(-time.Second)})
	orphanID, _ := s.EnqueueJob(JobSpec{Kind: "orphan", RunAt: time.Now().Add(-time.Second)})

	var calls int32
	runner := NewJobRunner(s, WithBackoffBase(time.Hour))
	runner.RegisterHandler("ok", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	runner.RegisterHandler("bad", func(ctx context.Context, payload string) error {
		return errors.New("provider unavailable")
	})

	if n := runner.PollOnce(context.Background()); n != 3 {
		t.Fatalf("PollOnce executed %d jobs, want 3", n)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("ok handler called %d times", calls)
	}
	if job, _ := s.GetJob(okID); job.Status != JobStatusDone {
		t.Errorf("ok job status = %s", job.Status)
	}
	bad, _ := s.GetJob(badID)
	if bad.Status != JobStatusQueued || bad.Attempt != 1 || !bad.RunAt.After(time.Now().Add(30*time.Minute)) {
		t.Errorf("bad job not rescheduled with backoff: %+v", bad)
	}
	if orphan, _ := s.GetJob(orphanID); orphan.LastError == "" {
		t.Error("orphan job should record a missing handler error")
	}
}

func TestSQLiteStore_OutboxLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueOutboxMessage(OutboxSpec{SubjectID: "alert_1", Kind: "alert_delivery", PayloadJSON: `{}`, DedupeKey: "alert_1:sms", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage: %v", err)
	}
	dup, _ := s.EnqueueOutboxMessage(OutboxSpec{SubjectID: "alert_1", Kind: "alert_delivery", DedupeKey: "alert_1:sms"})
	if dup != id {
		t.Errorf("expected dedupe hit, got %q vs %q", dup, id)
	}
	_, _ = s.EnqueueOutboxMessage(OutboxSpec{SubjectID: "alert_2", Kind: "alert_delivery", NotBefore: time.Now().Add(time.Hour)})

	msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil || len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("ClaimDueOutboxMessages = %+v, %v", msgs, err)
	}

	if err := s.FailOutboxMessage(id, "smtp down", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailOutboxMessage: %v", err)
	}
	msgs, _ = s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("expected retry with one attempt, got %+v", msgs)
	}
	_ = s.FailOutboxMessage(id, "smtp down", time.Now().Add(-time.Second))
	if msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10); len(msgs) != 0 {
		t.Errorf("exhausted message should not be claimed: %+v", msgs)
	}
}

func TestOutboxSender_PollOnce(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, _ = s.EnqueueOutboxMessage(OutboxSpec{SubjectID: "alert_1", Kind: "alert_delivery", PayloadJSON: `{"channel":"sms"}`})

	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg.SubjectID)
		return nil
	})
	if n := sender.PollOnce(context.Background()); n != 1 {
		t.Fatalf("PollOnce = %d", n)
	}
	if len(sent) != 1 || sent[0] != "alert_1" {
		t.Errorf("unexpected sends: %v", sent)
	}
	if n := sender.PollOnce(context.Background()); n != 0 {
		t.Errorf("sent message claimed again")
	}
	if err := sender.RecoverStaleMessages(); err != nil {
		t.Errorf("RecoverStaleMessages: %v", err)
	}
}

func TestBackoffDoubles(t *testing.T) {
	if backoff(10*time.Second, 0) != 10*time.Second || backoff(10*time.Second, 2) != 40*time.Second {
		t.Error("backoff should double per attempt")
	}
	if backoff(time.Second, 50) != 1024*time.Second {
		t.Error("backoff exponent should be capped")
	}
}
