// Package transcript accumulates speech fragments for a single call into an ordered transcript.
//
// An Accumulator is owned by one call session and is not safe for concurrent use; the
// session's lock serialises access.
package transcript

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// DefaultUnclearThreshold is the confidence below which a final utterance counts as unclear.
const DefaultUnclearThreshold = 0.45

var (
	// ErrDuplicateFinal reports an exact replay of an already committed final fragment.
	ErrDuplicateFinal = errors.New("final fragment already recorded for this turn")
	// ErrTurnMismatch reports a final fragment for a turn other than the current one.
	ErrTurnMismatch = errors.New("final fragment does not match the current turn")
)

// Accumulator holds the transcript of one call.
type Accumulator struct {
	entries   []models.TranscriptEntry
	partial   *models.TranscriptEntry
	turnIndex int
	threshold float64
}

// New creates an Accumulator. A non-positive threshold selects DefaultUnclearThreshold.
func New(threshold float64) *Accumulator {
	if threshold <= 0 {
		threshold = DefaultUnclearThreshold
	}
	return &Accumulator{threshold: threshold}
}

// Restore rebuilds an Accumulator from persisted entries.
func Restore(threshold float64, entries []models.TranscriptEntry) *Accumulator {
	a := New(threshold)
	for _, e := range entries {
		if !e.IsFinal {
			continue
		}
		a.entries = append(a.entries, e)
		if e.Speaker == models.SpeakerPatient {
			a.turnIndex = e.Turn + 1
		}
	}
	return a
}

// TurnIndex is the number of committed patient final utterances.
func (a *Accumulator) TurnIndex() int {
	return a.turnIndex
}

// AppendPartial replaces the pending partial fragment for the current turn.
func (a *Accumulator) AppendPartial(text string, confidence float64, at time.Time) {
	a.partial = &models.TranscriptEntry{
		Speaker:    models.SpeakerPatient,
		Text:       strings.TrimSpace(text),
		Confidence: confidence,
		Timestamp:  at,
		IsFinal:    false,
		Turn:       a.turnIndex,
	}
}

// AppendFinal commits a patient utterance for turn, clears any partial and advances the
// turn index. An exact replay of the previous commit returns ErrDuplicateFinal and leaves
// the transcript unchanged; any other turn returns ErrTurnMismatch.
func (a *Accumulator) AppendFinal(turn int, text string, confidence float64, at time.Time) (models.TranscriptEntry, error) {
	text = strings.TrimSpace(text)
	if turn != a.turnIndex {
		if prev, ok := a.FinalForTurn(turn); ok && prev.Text == text {
			return prev, ErrDuplicateFinal
		}
		return models.TranscriptEntry{}, fmt.Errorf("%w: got %d, current %d", ErrTurnMismatch, turn, a.turnIndex)
	}

	entry := models.TranscriptEntry{
		Speaker:    models.SpeakerPatient,
		Text:       text,
		Confidence: confidence,
		Timestamp:  at,
		IsFinal:    true,
		Turn:       turn,
	}
	a.entries = append(a.entries, entry)
	a.partial = nil
	a.turnIndex++
	return entry, nil
}

// AppendSystem records something the system said. It does not move the turn index.
func (a *Accumulator) AppendSystem(text string, at time.Time) {
	a.entries = append(a.entries, models.TranscriptEntry{
		Speaker:    models.SpeakerSystem,
		Text:       text,
		Confidence: 1,
		Timestamp:  at,
		IsFinal:    true,
		Turn:       a.turnIndex,
	})
}

// FinalForTurn returns the committed patient utterance for turn.
func (a *Accumulator) FinalForTurn(turn int) (models.TranscriptEntry, bool) {
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if e.Speaker == models.SpeakerPatient && e.Turn == turn {
			return e, true
		}
	}
	return models.TranscriptEntry{}, false
}

// LastFinal returns the most recent committed patient utterance.
func (a *Accumulator) LastFinal() (models.TranscriptEntry, bool) {
	if a.turnIndex == 0 {
		return models.TranscriptEntry{}, false
	}
	return a.FinalForTurn(a.turnIndex - 1)
}

// Partial returns the pending partial fragment, if any.
func (a *Accumulator) Partial() (models.TranscriptEntry, bool) {
	if a.partial == nil {
		return models.TranscriptEntry{}, false
	}
	return *a.partial, true
}

// Entries returns a copy of the transcript. The pending partial is appended when
// includePartials is set.
func (a *Accumulator) Entries(includePartials bool) []models.TranscriptEntry {
	out := slices.Clone(a.entries)
	if includePartials && a.partial != nil {
		out = append(out, *a.partial)
	}
	return out
}

// Tail returns the last n final entries.
func (a *Accumulator) Tail(n int) []models.TranscriptEntry {
	if n <= 0 || n >= len(a.entries) {
		return slices.Clone(a.entries)
	}
	return slices.Clone(a.entries[len(a.entries)-n:])
}

// IsUnclear reports whether an utterance is empty or below the confidence threshold.
func (a *Accumulator) IsUnclear(e models.TranscriptEntry) bool {
	return strings.TrimSpace(e.Text) == "" || e.Confidence < a.threshold
}
