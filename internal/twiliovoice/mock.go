package twiliovoice

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// MockClient records calls instead of talking to Twilio (for tests and dry runs).
type MockClient struct {
	mu       sync.Mutex
	Dials    []models.DialRequest
	Pushes   []PushedInstruction
	SMS      []SentMessage
	Hangups  []string
	DialErr  error
	SMSErr   error
	PushErr  error
	sidCount int
}

// PushedInstruction is an instruction sent to a live call.
type PushedInstruction struct {
	CallSID     string
	SessionID   string
	Instruction models.DialogueInstruction
}

// SentMessage is a recorded SMS.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Dial(ctx context.Context, req models.DialRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DialErr != nil {
		return "", m.DialErr
	}
	m.Dials = append(m.Dials, req)
	m.sidCount++
	return fmt.Sprintf("CA%032d", m.sidCount), nil
}

func (m *MockClient) PushInstruction(ctx context.Context, callSID, sessionID string, instr models.DialogueInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return m.PushErr
	}
	m.Pushes = append(m.Pushes, PushedInstruction{CallSID: callSID, SessionID: sessionID, Instruction: instr})
	return nil
}

func (m *MockClient) Hangup(ctx context.Context, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hangups = append(m.Hangups, callSID)
	return nil
}

func (m *MockClient) SendSMS(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SMSErr != nil {
		return m.SMSErr
	}
	m.SMS = append(m.SMS, SentMessage{To: to, Body: body})
	return nil
}

// DialCount returns the number of successful dials.
func (m *MockClient) DialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Dials)
}

// PushCount returns the number of pushed instructions.
func (m *MockClient) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pushes)
}
