// Package flow decides what the system says next on a call.
//
// The Engine is stateless: every decision is computed from a Snapshot of the session taken
// under the session lock. The generator call happens outside that lock.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/metrics"
	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Defaults for the engine.
const (
	DefaultMaxTurns         = 12
	DefaultMaxUnclearStreak = 3
	DefaultTailSize         = 10
	DefaultTimeout          = 8 * time.Second
)

// Fallback reasons reported to metrics.
const (
	FallbackGeneratorError = "generator_error"
	FallbackTimeout        = "timeout"
	FallbackEmptyReply     = "empty_reply"
	FallbackNoGenerator    = "no_generator"
)

// Generator produces the next utterance of a call.
type Generator interface {
	GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error)
}

// Snapshot is the session state the engine decides on.
type Snapshot struct {
	SessionID   string
	CallType    models.CallType
	PatientName string
	SurgeryType string
	// TurnIndex is the turn the patient's next reply will be recorded under.
	TurnIndex  int
	Transcript []models.TranscriptEntry
	Clinical   models.ClinicalContext
	// LastUnclear reports whether the utterance that triggered this turn was unclear.
	LastUnclear   bool
	UnclearStreak int
	// Alerts raised by the utterance that triggered this turn.
	Alerts []models.Alert
}

// HasCriticalAlert reports whether any alert in the snapshot is critical.
func (s Snapshot) HasCriticalAlert() bool {
	for _, a := range s.Alerts {
		if a.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

// Opts holds engine configuration.
type Opts struct {
	MaxTurns         int
	MaxUnclearStreak int
	TailSize         int
	Timeout          time.Duration
	Metrics          *metrics.Metrics
}

// Option defines a functional option for configuring the Engine.
type Option func(*Opts)

// WithMaxTurns sets the turn budget after which the call is closed.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.MaxTurns = n }
}

// WithMaxUnclearStreak sets how many consecutive unclear utterances end the call.
func WithMaxUnclearStreak(n int) Option {
	return func(o *Opts) { o.MaxUnclearStreak = n }
}

// WithTailSize sets how many transcript entries are sent to the generator.
func WithTailSize(n int) Option {
	return func(o *Opts) { o.TailSize = n }
}

// WithTimeout bounds each generator call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMetrics records generator fallbacks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Engine computes dialogue instructions.
type Engine struct {
	gen  Generator
	opts Opts
}

// NewEngine creates an engine around gen. A nil gen makes every generated turn fall back to
// a clarification.
func NewEngine(gen Generator, opts ...Option) *Engine {
	cfg := Opts{
		MaxTurns:         DefaultMaxTurns,
		MaxUnclearStreak: DefaultMaxUnclearStreak,
		TailSize:         DefaultTailSize,
		Timeout:          DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxUnclearStreak <= 0 {
		cfg.MaxUnclearStreak = DefaultMaxUnclearStreak
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{gen: gen, opts: cfg}
}

// MaxTurns returns the configured turn budget.
func (e *Engine) MaxTurns() int {
	return e.opts.MaxTurns
}

// Opening returns the greeting for a freshly answered call.
func (e *Engine) Opening(s Snapshot) models.DialogueInstruction {
	return models.SpeakThenListen(Greeting(s.CallType, s.PatientName, s.SurgeryType), s.TurnIndex)
}

// Next returns the instruction that answers the patient's latest utterance. It never fails:
// generator problems degrade to a canned clarification.
func (e *Engine) Next(ctx context.Context, s Snapshot) models.DialogueInstruction {
	switch {
	case s.HasCriticalAlert():
		slog.Info("Engine.Next: critical alert, ending call with safety message", "sessionID", s.SessionID, "turn", s.TurnIndex)
		return models.SpeakThenHangup(SafetyText, s.TurnIndex)
	case s.TurnIndex >= e.opts.MaxTurns:
		slog.Info("Engine.Next: turn budget reached", "sessionID", s.SessionID, "turn", s.TurnIndex, "maxTurns", e.opts.MaxTurns)
		return models.SpeakThenHangup(ClosingText, s.TurnIndex)
	case s.LastUnclear && s.UnclearStreak >= e.opts.MaxUnclearStreak:
		slog.Info("Engine.Next: too many unclear utterances", "sessionID", s.SessionID, "streak", s.UnclearStreak)
		return models.SpeakThenHangup(UnclearGoodbyeText, s.TurnIndex)
	case s.LastUnclear:
		return models.SpeakThenListen(ClarificationText, s.TurnIndex)
	}

	reply, reason := e.generate(ctx, s)
	if reason != "" {
		e.opts.Metrics.RecordFallback(reason)
		return models.SpeakThenListen(ClarificationText, s.TurnIndex)
	}
	if reply.Hint == models.HintConclude {
		return models.SpeakThenHangup(reply.Utterance, s.TurnIndex)
	}
	return models.SpeakThenListen(reply.Utterance, s.TurnIndex)
}

// generate calls the generator under the engine timeout. A non-empty reason means the reply
// must not be used.
func (e *Engine) generate(ctx context.Context, s Snapshot) (models.TurnReply, string) {
	if e.gen == nil {
		return models.TurnReply{}, FallbackNoGenerator
	}
	tc := models.TurnContext{
		SessionID:   s.SessionID,
		CallType:    s.CallType,
		TurnIndex:   s.TurnIndex,
		MaxTurns:    e.opts.MaxTurns,
		PatientName: s.PatientName,
		SurgeryType: s.SurgeryType,
		Transcript:  tail(s.Transcript, e.opts.TailSize),
		Clinical:    s.Clinical.Clone(),
	}

	genCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := e.gen.GenerateTurn(genCtx, tc)
	if err != nil {
		reason := FallbackGeneratorError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			reason = FallbackTimeout
		}
		slog.Warn("Engine.generate: generator failed, using clarification", "sessionID", s.SessionID,
			"turn", s.TurnIndex, "reason", reason, "elapsed", time.Since(start), "error", err)
		return models.TurnReply{}, reason
	}
	if strings.TrimSpace(reply.Utterance) == "" {
		slog.Warn("Engine.generate: empty reply, using clarification", "sessionID", s.SessionID, "turn", s.TurnIndex)
		return models.TurnReply{}, FallbackEmptyReply
	}
	reply.Utterance = strings.TrimSpace(reply.Utterance)
	return reply, ""
}

func tail(entries []models.TranscriptEntry, n int) []models.TranscriptEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
