// Package twiliovoice wraps the Twilio REST API for outbound voice calls and SMS.
//
// It places calls whose answer and status webhooks point back at the service, pushes
// TwiML to live calls, and sends SMS alerts to the care team.
package twiliovoice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Defaults for the voice client.
const (
	DefaultCallsPerSecond = 1.0
	DefaultRingTimeout    = 30
)

// Webhook paths served by the API package.
const (
	PathAnswer  = "/voice/answer"
	PathGather  = "/voice/gather"
	PathPartial = "/voice/partial"
	PathStatus  = "/voice/status"
	PathStream  = "/voice/stream"
)

// statusEvents are the call progress events Twilio posts to the status callback.
var statusEvents = []string{"initiated", "ringing", "answered", "completed"}

// Sender is the subset of the voice client used for care-team SMS.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) error
}

// restAPI is the part of the Twilio REST surface this package uses.
type restAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio voice client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	BaseURL        string  // public URL the webhooks are reachable at
	CallsPerSecond float64 // outbound dial rate
	RingTimeout    int     // seconds to ring before giving up
	MediaStreams   bool    // use Media Streams instead of <Gather> speech recognition
	Language       string
}

// Option defines a configuration option for the Twilio voice client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller ID used for calls and SMS.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithBaseURL sets the public base URL for webhooks.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// WithCallsPerSecond limits how fast calls are placed.
func WithCallsPerSecond(n float64) Option {
	return func(o *Opts) { o.CallsPerSecond = n }
}

// WithMediaStreams switches speech capture to Twilio Media Streams.
func WithMediaStreams(enabled bool) Option {
	return func(o *Opts) { o.MediaStreams = enabled }
}

// WithLanguage sets the speech language, e.g. "en-US".
func WithLanguage(lang string) Option {
	return func(o *Opts) { o.Language = lang }
}

// Client wraps the Twilio REST API for voice.
type Client struct {
	api      restAPI
	from     string
	renderer *Renderer
	limiter  *rate.Limiter
	timeout  int
}

// NewClient creates a Twilio voice client. Credentials fall back to the TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("PUBLIC_BASE_URL")
	}
	slog.Debug("Twilio voice client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"BaseURL", cfg.BaseURL,
		"MediaStreams", cfg.MediaStreams)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("public base URL must be provided for call webhooks")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api restAPI, cfg Opts) *Client {
	cps := cfg.CallsPerSecond
	if cps <= 0 {
		cps = DefaultCallsPerSecond
	}
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = DefaultRingTimeout
	}
	return &Client{
		api:      api,
		from:     cfg.FromNumber,
		renderer: NewRenderer(cfg.BaseURL, cfg.MediaStreams, cfg.Language),
		limiter:  rate.NewLimiter(rate.Limit(cps), 1),
		timeout:  timeout,
	}
}

// Renderer returns the TwiML renderer configured for this client.
func (c *Client) Renderer() *Renderer {
	return c.renderer
}

// Dial places an outbound call for a session and returns Twilio's call SID.
func (c *Client) Dial(ctx context.Context, req models.DialRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dial rate limiter: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(c.from)
	params.SetUrl(c.renderer.URL(PathAnswer, req.SessionID, -1))
	params.SetMethod("POST")
	params.SetStatusCallback(c.renderer.URL(PathStatus, req.SessionID, -1))
	params.SetStatusCallbackEvent(statusEvents)
	params.SetStatusCallbackMethod("POST")
	params.SetTimeout(c.timeout)

	resp, err := c.api.CreateCall(params)
	if err != nil {
		slog.Error("Client.Dial: Twilio CreateCall failed", "sessionID", req.SessionID, "error", err)
		return "", models.NewExternalServiceError("twilio", fmt.Errorf("create call for session %s: %w", req.SessionID, err))
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Info("Client.Dial: call placed", "sessionID", req.SessionID, "callType", req.CallType, "callSID", sid)
	return sid, nil
}

// PushInstruction replaces the TwiML of a live call, used when speech arrives over Media Streams.
func (c *Client) PushInstruction(ctx context.Context, callSID, sessionID string, instr models.DialogueInstruction) error {
	if callSID == "" {
		return fmt.Errorf("call SID cannot be empty")
	}
	doc, err := c.renderer.Render(sessionID, instr)
	if err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		slog.Error("Client.PushInstruction: Twilio UpdateCall failed", "sessionID", sessionID, "callSID", callSID, "error", err)
		return models.NewExternalServiceError("twilio", fmt.Errorf("update call %s: %w", callSID, err))
	}
	slog.Debug("Client.PushInstruction: TwiML pushed", "sessionID", sessionID, "action", instr.Action, "turn", instr.Turn)
	return nil
}

// Hangup ends a live call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return models.NewExternalServiceError("twilio", fmt.Errorf("hang up call %s: %w", callSID, err))
	}
	return nil
}

// SendSMS sends a text message from the configured number.
func (c *Client) SendSMS(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("Client.SendSMS: Twilio CreateMessage failed", "to", to, "error", err)
		return models.NewExternalServiceError("twilio", fmt.Errorf("send sms to %s: %w", to, err))
	}
	slog.Debug("Client.SendSMS: message sent", "to", to)
	return nil
}

// CallbackURL joins a webhook path onto base and adds the session (and turn, when >= 0) query.
func CallbackURL(base, path, sessionID string, turn int) string {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if turn >= 0 {
		q.Set("turn", fmt.Sprint(turn))
	}
	u := strings.TrimRight(base, "/") + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// StreamURL converts the public http(s) base into the wss:// Media Streams URL for a session.
func StreamURL(base, sessionID string) string {
	u := CallbackURL(base, PathStream, sessionID, -1)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
