// Package recovery restores a consistent state after the process restarts.
//
// Call sessions live in memory, so a call that was open when the process died can never
// finish normally. Recovery marks such calls failed and requeues durable work that was
// claimed but not completed.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// RestartEndReason is recorded on calls that were open when the process stopped.
const RestartEndReason = "process restarted"

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.Store
	now   func() time.Time
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store, now func() time.Time) *RecoveryRegistry {
	if now == nil {
		now = time.Now
	}
	return &RecoveryRegistry{store: st, now: now}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// Now returns the registry clock.
func (r *RecoveryRegistry) Now() time.Time {
	return r.now()
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store, now func() time.Time) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st, now),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing component does not
// stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}

// OpenCallRecovery fails every call record that was not terminal when the process stopped,
// along with its schedule entry.
type OpenCallRecovery struct{}

var _ Recoverable = OpenCallRecovery{}

// RecoverState implements Recoverable.
func (OpenCallRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	open, err := st.ListOpenCallRecords()
	if err != nil {
		return fmt.Errorf("list open calls: %w", err)
	}

	now := registry.Now().UTC()
	failed := 0
	var firstErr error
	for _, rec := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.Status = models.CallStatusFailed
		rec.EndReason = RestartEndReason
		rec.EndedAt = &now
		rec.UpdatedAt = now
		if err := st.SaveCallRecord(rec); err != nil {
			slog.Error("OpenCallRecovery.RecoverState: failed to close call", "sessionID", rec.SessionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if rec.ScheduleEntryID != "" {
			if err := st.UpdateScheduleEntry(rec.ScheduleEntryID, models.CallStatusFailed, rec.SessionID); err != nil {
				slog.Warn("OpenCallRecovery.RecoverState: failed to update schedule entry", "entryID", rec.ScheduleEntryID, "error", err)
			}
		}
		failed++
	}
	if failed > 0 {
		slog.Warn("OpenCallRecovery.RecoverState: calls interrupted by restart marked failed", "count", failed)
	}
	if firstErr != nil {
		return fmt.Errorf("close open calls: %w", firstErr)
	}
	return nil
}
