// Package genai generates spoken call turns and transcribes caller audio using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Defaults for the client.
const (
	DefaultModel               = openai.ChatModelGPT4oMini
	DefaultTranscriptionModel  = openai.AudioModelWhisper1
	DefaultTemperature         = 0.3
	DefaultMaxCompletionTokens = 300
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines the minimal interface for speech-to-text.
type transcriptionService interface {
	Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error)
}

type chatAdapter struct {
	svc openai.ChatCompletionService
}

func (a chatAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type transcriptionAdapter struct {
	svc openai.AudioTranscriptionService
}

func (a transcriptionAdapter) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	DebugMode           bool
	StateDir            string
}

// Option defines a functional option for configuring the client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps the generated reply length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugMode writes every request and response to <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI chat and audio services.
type Client struct {
	chat                chatService
	audio               transcriptionService
	model               string
	temperature         float64
	maxCompletionTokens int64
	debugMode           bool
	stateDir            string
}

// NewClient initializes a client. The API key comes from WithAPIKey or OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:              os.Getenv("OPENAI_API_KEY"),
		Model:               string(DefaultModel),
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "debugMode", cfg.DebugMode)
	return &Client{
		chat:                chatAdapter{svc: cli.Chat.Completions},
		audio:               transcriptionAdapter{svc: cli.Audio.Transcriptions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

// GenerateTurn asks the model for the next spoken utterance of a call. The model is
// instructed to answer {"utterance": ..., "hint": ...}; a reply that is not valid JSON is
// spoken verbatim with a continue hint.
func (c *Client) GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error) {
	payload, err := json.Marshal(tc)
	if err != nil {
		return models.TurnReply{}, fmt.Errorf("failed to encode turn context: %w", err)
	}
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt(tc.CallType)),
		openai.SystemMessage(turnInstructions),
		openai.UserMessage(string(payload)),
	}
	content, err := c.complete(ctx, "GenerateTurn", messages, true)
	if err != nil {
		return models.TurnReply{}, models.NewExternalServiceError("openai.chat", err)
	}
	reply := ParseTurnReply(content)
	slog.Debug("GenAI.GenerateTurn: reply generated", "sessionID", tc.SessionID, "turn", tc.TurnIndex, "hint", reply.Hint, "length", len(reply.Utterance))
	return reply, nil
}

// complete runs one chat completion and returns the first choice's content.
func (c *Client) complete(ctx context.Context, method string, messages []openai.ChatCompletionMessageParamUnion, jsonMode bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if c.debugMode {
		c.writeDebugLog(method, params, resp, err)
	}
	if err != nil {
		slog.Warn("GenAI.complete: request failed", "method", method, "elapsed", time.Since(start), "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// ParseTurnReply decodes a model reply. Unknown hints become continue; non-JSON text is
// treated as the utterance itself.
func ParseTurnReply(content string) models.TurnReply {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var raw struct {
		Utterance string `json:"utterance"`
		Hint      string `json:"hint"`
	}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return models.TurnReply{Utterance: strings.TrimSpace(content), Hint: models.HintContinue}
	}

	reply := models.TurnReply{Utterance: strings.TrimSpace(raw.Utterance), Hint: models.HintContinue}
	switch hint := models.ContinuationHint(strings.ToLower(strings.TrimSpace(raw.Hint))); hint {
	case models.HintClarify, models.HintConclude:
		reply.Hint = hint
	}
	return reply
}

// Transcribe converts a finished caller utterance (8 kHz 16-bit mono PCM wrapped as WAV) to
// text. Whisper returns no confidence, so non-empty text is reported with confidence 1.
func (c *Client) Transcribe(ctx context.Context, wav io.Reader) (models.SpeechFragment, error) {
	if c.audio == nil {
		return models.SpeechFragment{}, models.NewExternalServiceError("openai.audio", errors.New("transcription not configured"))
	}
	text, err := c.audio.Transcribe(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(wav, "utterance.wav", "audio/wav"),
		Model: DefaultTranscriptionModel,
	})
	if err != nil {
		return models.SpeechFragment{}, models.NewExternalServiceError("openai.audio", err)
	}
	frag := models.SpeechFragment{Text: strings.TrimSpace(text), IsFinal: true}
	if frag.Text != "" {
		frag.Confidence = 1
	}
	return frag, nil
}

type debugEntry struct {
	Timestamp string `json:"timestamp"`
	Method    string `json:"method"`
	Model     string `json:"model"`
	Params    any    `json:"params"`
	Response  any    `json:"response"`
	Error     string `json:"error,omitempty"`
}

// writeDebugLog stores one request/response pair as JSON under <stateDir>/debug.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI.writeDebugLog: cannot create debug dir", "dir", dir, "error", err)
		return
	}
	entry := debugEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  resp,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("GenAI.writeDebugLog: write failed", "error", err)
	}
}
