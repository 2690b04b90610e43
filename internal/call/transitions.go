package call

import (
	"github.com/BTreeMap/PostOpCall/internal/models"
)

// nextStatus is the call lifecycle transition table. It returns the status after applying
// ev to a session in cur, or a StateConflictError when ev does not apply.
//
// Lifecycle events that arrive late (ringing after answer, a re-delivered initiated) are
// absorbed without moving the status backwards. Only in_progress loops on itself.
func nextStatus(sessionID string, cur models.CallStatus, ev Event) (models.CallStatus, error) {
	if cur.IsTerminal() {
		return cur, conflict(sessionID, cur, ev)
	}

	switch e := ev.(type) {
	case Initiated:
		return advance(cur, models.CallStatusInitiated), nil
	case Ringing:
		return advance(cur, models.CallStatusRinging), nil
	case Answered:
		return models.CallStatusInProgress, nil
	case SpeechFinal, SpeechPartial:
		if cur != models.CallStatusInProgress {
			return cur, conflict(sessionID, cur, ev)
		}
		return cur, nil
	case CallEnded:
		return endStatus(cur, e.Reason), nil
	case Failure:
		return models.CallStatusFailed, nil
	default:
		return cur, models.NewValidationError("event", "unknown event type")
	}
}

// advance moves to target unless the session is already further along.
func advance(cur, target models.CallStatus) models.CallStatus {
	if target.Rank() > cur.Rank() {
		return target
	}
	return cur
}

// endStatus maps a provider end reason to a terminal status. A call that completes without
// ever being answered counts as unanswered.
func endStatus(cur models.CallStatus, reason EndReason) models.CallStatus {
	switch reason {
	case EndCompleted:
		if cur == models.CallStatusInProgress {
			return models.CallStatusCompleted
		}
		return models.CallStatusNoAnswer
	case EndBusy, EndNoAnswer:
		return models.CallStatusNoAnswer
	default:
		return models.CallStatusFailed
	}
}

func conflict(sessionID string, cur models.CallStatus, ev Event) error {
	return &models.StateConflictError{SessionID: sessionID, Status: cur, Event: EventName(ev)}
}
