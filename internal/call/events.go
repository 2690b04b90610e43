package call

import (
	"strings"
)

// Event is something the telephony provider or the audio pipeline reports about a call.
type Event interface {
	eventName() string
}

// Initiated reports that the provider accepted the outbound call.
type Initiated struct {
	ProviderCallID string
}

// Ringing reports that the patient's phone is ringing.
type Ringing struct{}

// Answered reports that the patient picked up.
type Answered struct{}

// SpeechFinal is a finalized patient utterance. Turn is the transcript turn it answers;
// a negative Turn means the session's current turn.
type SpeechFinal struct {
	Turn       int
	Text       string
	Confidence float64
}

// SpeechPartial is an interim recognition result.
type SpeechPartial struct {
	Text       string
	Confidence float64
}

// CallEnded reports that the provider ended the call.
type CallEnded struct {
	Reason EndReason
}

// Failure reports an unrecoverable problem with the call.
type Failure struct {
	Detail string
}

func (Initiated) eventName() string     { return "initiated" }
func (Ringing) eventName() string       { return "ringing" }
func (Answered) eventName() string      { return "answered" }
func (SpeechFinal) eventName() string   { return "speech_final" }
func (SpeechPartial) eventName() string { return "speech_partial" }
func (CallEnded) eventName() string     { return "call_ended" }
func (Failure) eventName() string       { return "failure" }

// EventName returns a stable name for logging and metrics.
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

// EndReason is why the provider ended a call.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndBusy      EndReason = "busy"
	EndNoAnswer  EndReason = "no_answer"
	EndFailed    EndReason = "failed"
	EndCanceled  EndReason = "canceled"
)

// ParseEndReason normalises a provider status ("no-answer", "Busy") to an EndReason.
func ParseEndReason(s string) (EndReason, bool) {
	r := EndReason(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch r {
	case EndCompleted, EndBusy, EndNoAnswer, EndFailed, EndCanceled:
		return r, true
	case "cancelled":
		return EndCanceled, true
	default:
		return "", false
	}
}

// EventForProviderStatus maps a provider call status callback value to an event.
// It returns nil for statuses that carry no lifecycle change.
func EventForProviderStatus(status, providerCallID string) Event {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued", "initiated":
		return Initiated{ProviderCallID: providerCallID}
	case "ringing":
		return Ringing{}
	case "in-progress", "in_progress", "answered":
		return Answered{}
	}
	if r, ok := ParseEndReason(status); ok {
		return CallEnded{Reason: r}
	}
	return nil
}
