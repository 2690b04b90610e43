package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer sends a plain-text email.
type Mailer interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// mailClient is the part of the SendGrid client used here.
type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridMailer sends email through the SendGrid v3 API.
type SendGridMailer struct {
	client mailClient
	from   *mail.Email
}

var (
	_ Mailer = (*SendGridMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)

// NewSendGridMailer creates a mailer for apiKey sending from fromAddr.
func NewSendGridMailer(apiKey, fromAddr, fromName string) (*SendGridMailer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid API key must be provided")
	}
	if fromAddr == "" {
		return nil, fmt.Errorf("sender address must be provided")
	}
	return &SendGridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddr),
	}, nil
}

// SendEmail sends one message addressed to every recipient in to.
func (m *SendGridMailer) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	msg := mail.NewV3Mail()
	msg.SetFrom(m.from)
	msg.Subject = subject
	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail("", addr))
	}
	msg.AddPersonalizations(p)
	msg.AddContent(mail.NewContent("text/plain", body))

	resp, err := m.client.SendWithContext(ctx, msg)
	if err != nil {
		slog.Error("SendGridMailer.SendEmail: request failed", "to", strings.Join(to, ","), "error", err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		slog.Error("SendGridMailer.SendEmail: error status", "status", resp.StatusCode, "body", resp.Body)
		return fmt.Errorf("sendgrid returned error status: %d", resp.StatusCode)
	}
	slog.Debug("SendGridMailer.SendEmail: sent", "recipients", len(to), "status", resp.StatusCode)
	return nil
}

// LogMailer logs emails instead of sending them (development mode).
type LogMailer struct{}

func (LogMailer) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	slog.Info("LogMailer.SendEmail: email not sent (no SENDGRID_API_KEY)", "to", strings.Join(to, ","), "subject", subject, "body_length", len(body))
	return nil
}
