package models

import (
	"fmt"
	"time"
)

// AlertKind classifies what triggered a clinical alert.
type AlertKind string

const (
	AlertKindHighPain   AlertKind = "high_pain"
	AlertKindConcern    AlertKind = "concern"
	AlertKindMobility   AlertKind = "mobility"
	AlertKindWound      AlertKind = "wound"
	AlertKindMedication AlertKind = "medication"
)

// Severity of a clinical alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Max returns the more severe of s and o.
func (s Severity) Max(o Severity) Severity {
	if o.Rank() > s.Rank() {
		return o
	}
	return s
}

// Alert is an immutable record of a clinically significant statement.
type Alert struct {
	ID            string    `json:"id"`
	CallSessionID string    `json:"call_session_id"`
	PatientID     string    `json:"patient_id"`
	Kind          AlertKind `json:"kind"`
	Severity      Severity  `json:"severity"`
	DetectedText  string    `json:"detected_text"`
	DetectedAt    time.Time `json:"detected_at"`
}

// IdempotencyKey identifies the alert for at-most-once routing.
func (a Alert) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%d", a.CallSessionID, a.Kind, a.DetectedAt.UnixNano())
}

// Channel is a notification channel an alert can be delivered on.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// DeliveryStatus is the outcome of one channel delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// AlertDelivery records the outcome of delivering an alert on one channel.
type AlertDelivery struct {
	AlertID     string         `json:"alert_id"`
	Channel     Channel        `json:"channel"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// Notification is an in-app inbox item for the care team.
type Notification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	PatientID string    `json:"patient_id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
