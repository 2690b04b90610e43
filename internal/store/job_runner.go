package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// RunnerOptions configures JobRunner and OutboxSender polling.
type RunnerOptions struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	BackoffBase    time.Duration
}

// RunnerOption defines a functional option for JobRunner and OutboxSender.
type RunnerOption func(*RunnerOptions)

// WithPollInterval sets how often due work is claimed.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(o *RunnerOptions) { o.PollInterval = d }
}

// WithBackoffBase sets the first retry delay; later retries double it.
func WithBackoffBase(d time.Duration) RunnerOption {
	return func(o *RunnerOptions) { o.BackoffBase = d }
}

// WithClaimLimit caps how many items one poll claims.
func WithClaimLimit(n int) RunnerOption {
	return func(o *RunnerOptions) { o.ClaimLimit = n }
}

func applyRunnerOptions(defaults RunnerOptions, opts []RunnerOption) RunnerOptions {
	o := defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = defaults.ClaimLimit
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaults.BackoffBase
	}
	return o
}

// backoff returns base * 2^attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return base * time.Duration(1<<attempt)
}

// JobRunner periodically claims due jobs and dispatches them to handlers by kind.
type JobRunner struct {
	repo     JobRepo
	handlers map[string]JobHandler
	mu       sync.RWMutex
	opts     RunnerOptions
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, opts ...RunnerOption) *JobRunner {
	return &JobRunner{
		repo:     repo,
		handlers: make(map[string]JobHandler),
		opts: applyRunnerOptions(RunnerOptions{
			PollInterval:   10 * time.Second,
			StaleThreshold: 5 * time.Minute,
			ClaimLimit:     10,
			BackoffBase:    30 * time.Second,
		}, opts),
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().UTC().Add(-r.opts.StaleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.opts.PollInterval)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.PollOnce(ctx)
		}
	}
}

// PollOnce claims and executes the jobs due now. It returns how many were executed.
func (r *JobRunner) PollOnce(ctx context.Context) int {
	now := time.Now().UTC()
	jobs, err := r.repo.ClaimDueJobs(now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.PollOnce: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.PollOnce: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.PollOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.PollOnce: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.PollOnce: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			nextRun := now.Add(backoff(r.opts.BackoffBase, job.Attempt))
			if err := r.repo.FailJob(job.ID, err.Error(), nextRun); err != nil {
				slog.Error("JobRunner.PollOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.PollOnce: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.PollOnce: job completed", "id", job.ID, "kind", job.Kind)
	}
	return len(jobs)
}
