package recovery

import (
	"context"
	"log/slog"
)

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context, registry *RecoveryRegistry) error

// RecoverState implements Recoverable.
func (f RecoverFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// StaleJobRecoverer is satisfied by *store.JobRunner.
type StaleJobRecoverer interface {
	RecoverStaleJobs() error
}

// StaleMessageRecoverer is satisfied by *store.OutboxSender.
type StaleMessageRecoverer interface {
	RecoverStaleMessages() error
}

// JobRecovery requeues jobs that were running when the process stopped.
func JobRecovery(r StaleJobRecoverer) Recoverable {
	return RecoverFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		slog.Debug("JobRecovery: requeueing stale jobs")
		return r.RecoverStaleJobs()
	})
}

// OutboxRecovery requeues outbox messages that were being sent when the process stopped.
func OutboxRecovery(s StaleMessageRecoverer) Recoverable {
	return RecoverFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		slog.Debug("OutboxRecovery: requeueing stale outbox messages")
		return s.RecoverStaleMessages()
	})
}
