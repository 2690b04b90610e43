// Package messaging delivers care-team notifications over SMS, WhatsApp, email and webhooks.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
	"github.com/BTreeMap/PostOpCall/internal/util"
	"github.com/BTreeMap/PostOpCall/internal/whatsapp"
)

// ErrNoRecipients is returned when a send has nobody to deliver to.
var ErrNoRecipients = errors.New("no recipients configured")

// Service defines a pluggable text message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error
}

// TwilioSMSService sends text messages through Twilio Programmable SMS.
type TwilioSMSService struct {
	client twiliovoice.Sender
	region string
}

var (
	_ Service = (*TwilioSMSService)(nil)
	_ Service = (*WhatsAppService)(nil)
)

// NewTwilioSMSService wraps a Twilio client. region is the default phone region ("" = US).
func NewTwilioSMSService(client twiliovoice.Sender, region string) *TwilioSMSService {
	return &TwilioSMSService{client: client, region: region}
}

// ValidateAndCanonicalizeRecipient returns the recipient in E.164 form.
func (s *TwilioSMSService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalize("TwilioSMSService", recipient, s.region)
}

// SendMessage canonicalizes to and sends body as an SMS.
func (s *TwilioSMSService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendSMS(ctx, canonical, body)
}

// WhatsAppService sends text messages through a whatsmeow client.
type WhatsAppService struct {
	client whatsapp.Sender
	region string
}

// NewWhatsAppService wraps a WhatsApp sender.
func NewWhatsAppService(client whatsapp.Sender, region string) *WhatsAppService {
	return &WhatsAppService{client: client, region: region}
}

// ValidateAndCanonicalizeRecipient returns the recipient in E.164 form.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalize("WhatsAppService", recipient, s.region)
}

// SendMessage canonicalizes to and sends body as a WhatsApp text.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

func canonicalize(service, recipient, region string) (string, error) {
	canonical, err := util.CanonicalizePhone(recipient, region)
	if err != nil {
		return "", err
	}
	if canonical != strings.TrimSpace(recipient) {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
