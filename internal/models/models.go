// Package models defines the core data structures for PostOpCall.
//
// It includes call sessions, patients, schedules, transcripts, clinical context and alerts,
// which are shared across modules.
package models

import (
	"errors"
	"time"
)

// CallType identifies the purpose of a call within a patient's pre-operative programme.
type CallType string

const (
	// CallTypeEnrollment introduces the programme to the patient.
	CallTypeEnrollment CallType = "enrollment"
	// CallTypeEducation covers procedure and recovery education.
	CallTypeEducation CallType = "education"
	// CallTypePreparation covers practical preparation for surgery.
	CallTypePreparation CallType = "preparation"
	// CallTypeFinalPrep is the last call before the surgery date.
	CallTypeFinalPrep CallType = "final_prep"
	// CallTypeFollowup is an ad-hoc check-in call.
	CallTypeFollowup CallType = "followup"
)

// IsValidCallType checks if the given call type is supported.
func IsValidCallType(ct CallType) bool {
	switch ct {
	case CallTypeEnrollment, CallTypeEducation, CallTypePreparation, CallTypeFinalPrep, CallTypeFollowup:
		return true
	default:
		return false
	}
}

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	CallStatusScheduled  CallStatus = "scheduled"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. All terminal statuses share the highest rank.
func (s CallStatus) Rank() int {
	switch s {
	case CallStatusScheduled:
		return 0
	case CallStatusInitiated:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusInProgress:
		return 3
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer:
		return 4
	default:
		return -1
	}
}

// Validation constants for input validation
const (
	// MaxPatientNameLength defines the maximum allowed length for a patient name
	MaxPatientNameLength = 200
	// MaxSurgeryTypeLength defines the maximum allowed length for the surgery type label
	MaxSurgeryTypeLength = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyPatientID     = errors.New("patient id cannot be empty")
	ErrEmptyPatientName   = errors.New("patient name cannot be empty")
	ErrPatientNameTooLong = errors.New("patient name exceeds maximum length")
	ErrEmptyPhone         = errors.New("patient phone cannot be empty")
	ErrEmptySurgeryType   = errors.New("surgery type cannot be empty")
	ErrSurgeryTypeTooLong = errors.New("surgery type exceeds maximum length")
	ErrMissingSurgeryDate = errors.New("surgery date is required")
	ErrInvalidTimezone    = errors.New("invalid timezone")
	ErrInvalidCallType    = errors.New("invalid call type")
)

// Patient is a person enrolled for pre-operative calls.
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"` // E.164
	Email       string    `json:"email,omitempty"`
	SurgeryType string    `json:"surgery_type"`
	SurgeryDate time.Time `json:"surgery_date"`
	Timezone    string    `json:"timezone,omitempty"` // e.g. "America/New_York"
	CreatedAt   time.Time `json:"created_at"`
}

// Validate performs basic validation on a Patient structure.
func (p *Patient) Validate() error {
	if p.ID == "" {
		return ErrEmptyPatientID
	}
	if p.Name == "" {
		return ErrEmptyPatientName
	}
	if len(p.Name) > MaxPatientNameLength {
		return ErrPatientNameTooLong
	}
	if p.Phone == "" {
		return ErrEmptyPhone
	}
	if p.SurgeryType == "" {
		return ErrEmptySurgeryType
	}
	if len(p.SurgeryType) > MaxSurgeryTypeLength {
		return ErrSurgeryTypeTooLong
	}
	if p.SurgeryDate.IsZero() {
		return ErrMissingSurgeryDate
	}
	if _, err := p.Location(); err != nil {
		return ErrInvalidTimezone
	}
	return nil
}

// Location returns the patient's time zone, defaulting to UTC.
func (p *Patient) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// CallScheduleEntry is one planned call in a patient's programme.
type CallScheduleEntry struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patient_id"`
	CallType      CallType   `json:"call_type"`
	ScheduledDate time.Time  `json:"scheduled_date"` // calendar date, midnight in the patient's zone
	SurgeryType   string     `json:"surgery_type"`
	Status        CallStatus `json:"status"`
	SessionID     string     `json:"session_id,omitempty"`
}

// CallRecord is the persisted view of a call session.
type CallRecord struct {
	SessionID       string          `json:"session_id"`
	PatientID       string          `json:"patient_id"`
	CallType        CallType        `json:"call_type"`
	Status          CallStatus      `json:"status"`
	ScheduleEntryID string          `json:"schedule_entry_id,omitempty"`
	ProviderCallID  string          `json:"provider_call_id,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	TurnIndex       int             `json:"turn_index"`
	EndReason       string          `json:"end_reason,omitempty"`
	Clinical        ClinicalContext `json:"clinical_context"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DialRequest asks the telephony provider to place an outbound call for a session.
type DialRequest struct {
	SessionID string   `json:"session_id"`
	PatientID string   `json:"patient_id"`
	CallType  CallType `json:"call_type"`
	To        string   `json:"to"`
}
