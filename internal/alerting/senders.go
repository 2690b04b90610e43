package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/messaging"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// Sender delivers an alert on one channel.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, alert models.Alert) error
}

// ChannelsFor returns the channels an alert of the given severity fans out to.
func ChannelsFor(sev models.Severity) []models.Channel {
	switch sev {
	case models.SeverityCritical:
		return []models.Channel{models.ChannelInApp, models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook}
	case models.SeverityHigh:
		return []models.Channel{models.ChannelInApp, models.ChannelEmail, models.ChannelSMS}
	case models.SeverityModerate:
		return []models.Channel{models.ChannelInApp, models.ChannelEmail}
	default:
		return []models.Channel{models.ChannelInApp}
	}
}

// Summary renders a one-line description of an alert for notifications.
func Summary(a models.Alert) string {
	text := a.DetectedText
	if len(text) > 160 {
		text = text[:157] + "..."
	}
	return fmt.Sprintf("[%s] %s alert for patient %s (call %s): %q",
		strings.ToUpper(string(a.Severity)), a.Kind, a.PatientID, a.CallSessionID, text)
}

// InAppSender writes alerts into the in-app notification inbox.
type InAppSender struct {
	store store.Store
}

// NewInAppSender creates an in-app sender backed by st.
func NewInAppSender(st store.Store) *InAppSender {
	return &InAppSender{store: st}
}

func (s *InAppSender) Channel() models.Channel { return models.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, a models.Alert) error {
	return s.store.AddNotification(models.Notification{
		ID:        "ntf_" + a.ID,
		AlertID:   a.ID,
		PatientID: a.PatientID,
		Severity:  a.Severity,
		Message:   Summary(a),
		CreatedAt: time.Now().UTC(),
	})
}

// EmailSender emails alerts to the care team.
type EmailSender struct {
	mailer messaging.Mailer
	to     []string
}

// NewEmailSender creates an email sender for the given recipients.
func NewEmailSender(mailer messaging.Mailer, to []string) *EmailSender {
	return &EmailSender{mailer: mailer, to: to}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, a models.Alert) error {
	subject := fmt.Sprintf("PostOpCall %s alert: %s", strings.ToUpper(string(a.Severity)), a.Kind)
	body := fmt.Sprintf("%s\n\nAlert ID: %s\nPatient: %s\nCall session: %s\nDetected at: %s\n",
		Summary(a), a.ID, a.PatientID, a.CallSessionID, a.DetectedAt.Format(time.RFC3339))
	return s.mailer.SendEmail(ctx, s.to, subject, body)
}

// SMSSender texts alerts to on-call staff via SMS or WhatsApp.
type SMSSender struct {
	svc messaging.Service
	to  []string
}

// NewSMSSender creates a text sender for the given recipients.
func NewSMSSender(svc messaging.Service, to []string) *SMSSender {
	return &SMSSender{svc: svc, to: to}
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

// Send texts every recipient and returns the joined errors of those that failed.
func (s *SMSSender) Send(ctx context.Context, a models.Alert) error {
	if len(s.to) == 0 {
		return messaging.ErrNoRecipients
	}
	var errs []error
	for _, to := range s.to {
		if err := s.svc.SendMessage(ctx, to, Summary(a)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// Poster posts an event payload to a webhook.
type Poster interface {
	Post(ctx context.Context, event string, data any) error
}

// WebhookSender posts alerts to an external escalation endpoint.
type WebhookSender struct {
	poster Poster
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(poster Poster) *WebhookSender {
	return &WebhookSender{poster: poster}
}

func (s *WebhookSender) Channel() models.Channel { return models.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, a models.Alert) error {
	return s.poster.Post(ctx, "alert."+string(a.Severity), a)
}
