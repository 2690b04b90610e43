// Package scheduler plans each patient's pre-operative calls and runs periodic housekeeping.
//
// Schedules are generated deterministically from the surgery date; dialing happens through
// durable jobs so a restart never loses or duplicates a call. Periodic tasks such as the
// stale-session reaper run on a cron.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReaperSpec runs the reaper every minute.
const DefaultReaperSpec = "@every 1m"

// Reaper fails sessions that stopped making progress. *call.Orchestrator satisfies it.
type Reaper interface {
	ReapStale(ctx context.Context, maxAge time.Duration) int
}

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// 5-field cron plus @every/@hourly descriptors, with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddReaper schedules r to fail sessions idle for longer than maxAge.
func (s *Scheduler) AddReaper(expr string, r Reaper, maxAge time.Duration) error {
	if expr == "" {
		expr = DefaultReaperSpec
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n := r.ReapStale(ctx, maxAge); n > 0 {
			slog.Warn("Scheduler.reaper: stale sessions failed", "count", n, "maxAge", maxAge)
		}
	})
}

// Stop stops the cron scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
