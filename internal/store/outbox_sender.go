package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual send of an outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	opts     RunnerOptions
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...RunnerOption) *OutboxSender {
	return &OutboxSender{
		repo:     repo,
		sendFunc: sendFunc,
		opts: applyRunnerOptions(RunnerOptions{
			PollInterval:   5 * time.Second,
			StaleThreshold: 5 * time.Minute,
			ClaimLimit:     10,
			BackoffBase:    10 * time.Second,
		}, opts),
	}
}

// RecoverStaleMessages requeues messages stuck in sending state.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().UTC().Add(-s.opts.StaleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.opts.PollInterval)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce claims and sends the messages due now. It returns how many were attempted.
func (s *OutboxSender) PollOnce(ctx context.Context) int {
	now := time.Now().UTC()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.PollOnce: claim failed", "error", err)
		return 0
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.PollOnce: sending message", "id", msg.ID, "subjectID", msg.SubjectID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.PollOnce: send failed", "id", msg.ID, "attempts", msg.Attempts, "error", err)
			nextAttempt := now.Add(backoff(s.opts.BackoffBase, msg.Attempts))
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.PollOnce: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.PollOnce: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.PollOnce: message sent", "id", msg.ID, "subjectID", msg.SubjectID)
	}
	return len(msgs)
}
