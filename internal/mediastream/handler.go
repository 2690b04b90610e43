// Package mediastream turns Twilio Media Streams audio into speech events for live calls.
//
// Each websocket carries the inbound track of one call. Frames are decoded from μ-law,
// segmented into utterances, transcribed and dispatched to the orchestrator; the resulting
// instruction is pushed back onto the call.
package mediastream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Defaults for Handler.
const (
	DefaultTranscribeTimeout = 10 * time.Second
	DefaultPushTimeout       = 10 * time.Second
	DefaultPartialInterval   = 3 * time.Second
)

// Transcriber converts a WAV utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav io.Reader) (models.SpeechFragment, error)
}

// Dispatcher routes speech events into call sessions.
type Dispatcher interface {
	Dispatch(ctx context.Context, env call.Envelope) (call.Result, error)
}

// Responder delivers an instruction to a call that is already connected.
type Responder interface {
	PushInstruction(ctx context.Context, callSID, sessionID string, instr models.DialogueInstruction) error
}

// Recorder counts processed utterances. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordWebhook(route, outcome string)
}

// Opts configures a Handler.
type Opts struct {
	Segmenter         SegmenterConfig
	TranscribeTimeout time.Duration
	PushTimeout       time.Duration
	// PartialInterval is how much voiced audio accumulates between partial transcriptions.
	// Zero disables partials.
	PartialInterval time.Duration
	Metrics         Recorder
}

// Option is a functional option for configuring a Handler.
type Option func(*Opts)

// WithSegmenterConfig overrides end-of-utterance thresholds.
func WithSegmenterConfig(cfg SegmenterConfig) Option {
	return func(o *Opts) { o.Segmenter = cfg }
}

// WithTranscribeTimeout bounds each transcription request.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TranscribeTimeout = d }
}

// WithPushTimeout bounds each instruction push.
func WithPushTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PushTimeout = d }
}

// WithPartialInterval sets the voiced-audio interval between partial transcriptions.
func WithPartialInterval(d time.Duration) Option {
	return func(o *Opts) { o.PartialInterval = d }
}

// WithMetrics records one outcome per utterance.
func WithMetrics(m Recorder) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Handler serves the Media Streams websocket endpoint.
type Handler struct {
	stt       Transcriber
	calls     Dispatcher
	responder Responder
	opts      Opts
	upgrader  websocket.Upgrader
	wg        sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a Media Streams handler.
func NewHandler(stt Transcriber, calls Dispatcher, responder Responder, opts ...Option) *Handler {
	cfg := Opts{
		Segmenter:         DefaultSegmenterConfig(),
		TranscribeTimeout: DefaultTranscribeTimeout,
		PushTimeout:       DefaultPushTimeout,
		PartialInterval:   DefaultPartialInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{
		stt:       stt,
		calls:     calls,
		responder: responder,
		opts:      cfg,
		upgrader: websocket.Upgrader{
			// Twilio does not send an Origin header; requests are authenticated upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Twilio Media Streams frames.
type frame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startFrame   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startFrame struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

// utterance is a unit of work for the per-stream transcription worker.
type utterance struct {
	samples []int16
	final   bool
}

// stream is the state of one websocket connection.
type stream struct {
	h          *Handler
	sessionID  string
	callSID    string
	streamSID  string
	sampleRate int
	seg        *Segmenter
	nextVoiced time.Duration
	work       chan utterance
}

// ServeHTTP upgrades the request and processes frames until the stream stops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Handler.ServeHTTP: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	st := &stream{
		h:          h,
		sessionID:  r.URL.Query().Get("session_id"),
		sampleRate: SampleRate,
		work:       make(chan utterance, 8),
	}
	ctx := context.WithoutCancel(r.Context())

	var worker sync.WaitGroup
	worker.Add(1)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer worker.Done()
		st.process(ctx)
	}()

	st.readLoop(conn)

	if st.seg != nil {
		if samples, ok := st.seg.Flush(); ok {
			st.work <- utterance{samples: samples, final: true}
		}
	}
	close(st.work)
	worker.Wait()
	slog.Debug("Handler.ServeHTTP: stream closed", "sessionID", st.sessionID, "streamSID", st.streamSID)
}

// Wait blocks until every stream worker has drained, or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *stream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("stream.readLoop: read ended", "sessionID", st.sessionID, "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("stream.readLoop: malformed frame", "sessionID", st.sessionID, "error", err)
			continue
		}

		switch f.Event {
		case "connected":
		case "start":
			if f.Start == nil || st.seg != nil {
				continue
			}
			st.begin(f.Start)
		case "media":
			if f.Media == nil || f.Media.Payload == "" || st.seg == nil {
				continue
			}
			if f.Media.Track != "" && f.Media.Track != "inbound" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				continue
			}
			st.push(DecodeMuLaw(raw))
		case "stop":
			return
		}
	}
}

func (st *stream) begin(start *startFrame) {
	st.callSID = start.CallSID
	st.streamSID = start.StreamSID
	if id := start.CustomParams["session_id"]; id != "" {
		st.sessionID = id
	}
	if start.MediaFormat.SampleRate > 0 {
		st.sampleRate = start.MediaFormat.SampleRate
	}
	st.seg = NewSegmenter(st.h.opts.Segmenter, st.sampleRate)
	st.nextVoiced = st.h.opts.PartialInterval
	slog.Info("stream.begin: media stream started", "sessionID", st.sessionID, "callSID", st.callSID, "streamSID", st.streamSID)
}

func (st *stream) push(samples []int16) {
	if samples, ok := st.seg.Push(samples); ok {
		st.nextVoiced = st.h.opts.PartialInterval
		st.work <- utterance{samples: samples, final: true}
		return
	}
	if st.h.opts.PartialInterval <= 0 || !st.seg.Speaking() {
		return
	}
	if st.seg.Voiced() >= st.nextVoiced {
		st.nextVoiced += st.h.opts.PartialInterval
		select {
		case st.work <- utterance{samples: st.seg.Pending()}:
		default:
			// the worker is behind; partials are advisory
		}
	}
}

// process transcribes utterances in order and feeds them to the session.
func (st *stream) process(ctx context.Context) {
	for u := range st.work {
		if st.sessionID == "" {
			slog.Warn("stream.process: utterance without session, dropping", "streamSID", st.streamSID)
			st.record("no_session")
			continue
		}
		frag, err := st.transcribe(ctx, u.samples)
		if err != nil {
			slog.Error("stream.process: transcription failed", "sessionID", st.sessionID, "final", u.final, "error", err)
			st.record("stt_error")
			continue
		}
		if frag.Text == "" {
			st.record("empty")
			continue
		}

		var ev call.Event = call.SpeechPartial{Text: frag.Text, Confidence: frag.Confidence}
		if u.final {
			ev = call.SpeechFinal{Turn: -1, Text: frag.Text, Confidence: frag.Confidence}
		}
		res, err := st.h.calls.Dispatch(ctx, call.Envelope{SessionID: st.sessionID, Event: ev})
		if err != nil {
			slog.Warn("stream.process: dispatch failed", "sessionID", st.sessionID, "event", call.EventName(ev), "error", err)
			st.record("rejected")
			continue
		}
		st.record("ok")
		if res.Instruction != nil && !res.Stale {
			st.respond(ctx, *res.Instruction)
		}
	}
}

func (st *stream) transcribe(ctx context.Context, samples []int16) (models.SpeechFragment, error) {
	ctx, cancel := context.WithTimeout(ctx, st.h.opts.TranscribeTimeout)
	defer cancel()
	return st.h.stt.Transcribe(ctx, bytes.NewReader(EncodeWAV(samples, st.sampleRate)))
}

func (st *stream) respond(ctx context.Context, instr models.DialogueInstruction) {
	if st.h.responder == nil {
		return
	}
	if st.callSID == "" {
		slog.Warn("stream.respond: no call SID, instruction not delivered", "sessionID", st.sessionID, "turn", instr.Turn)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, st.h.opts.PushTimeout)
	defer cancel()
	if err := st.h.responder.PushInstruction(ctx, st.callSID, st.sessionID, instr); err != nil {
		slog.Error("stream.respond: push failed", "sessionID", st.sessionID, "turn", instr.Turn, "error", err)
	}
}

func (st *stream) record(outcome string) {
	if st.h.opts.Metrics != nil {
		st.h.opts.Metrics.RecordWebhook("stream", outcome)
	}
}
