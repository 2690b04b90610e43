package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/flow"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
)

// Webhook outcomes recorded in metrics.
const (
	outcomeOK       = "ok"
	outcomeInvalid  = "invalid"
	outcomeStale    = "stale"
	outcomeIgnored  = "ignored"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

// Twilio form fields.
const (
	formCallSID      = "CallSid"
	formCallStatus   = "CallStatus"
	formSpeechResult = "SpeechResult"
	formConfidence   = "Confidence"
	formUnstable     = "UnstableSpeechResult"
	formStability    = "Stability"
	querySessionID   = "session_id"
	queryTurn        = "turn"
)

// sessionID reads the session from the callback query.
func sessionID(r *http.Request) (string, bool) {
	id := r.URL.Query().Get(querySessionID)
	return id, id != ""
}

// parseScore reads a 0..1 score from the form; a missing value counts as zero.
func parseScore(r *http.Request, field string) (float64, error) {
	raw := r.PostForm.Get(field)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, models.NewValidationError(field, "must be a number between 0 and 1")
	}
	return v, nil
}

// writeInstruction renders instr for the session, falling back to an empty response when
// rendering fails so Twilio does not play its error message.
func (s *Server) writeInstruction(w http.ResponseWriter, sessionID string, instr models.DialogueInstruction, answer bool) {
	var (
		doc string
		err error
	)
	if answer {
		doc, err = s.renderer.RenderAnswer(sessionID, instr)
	} else {
		doc, err = s.renderer.Render(sessionID, instr)
	}
	if err != nil {
		slog.Error("Server.writeInstruction: render failed", "sessionID", sessionID, "error", err)
		doc = twiliovoice.RenderEmpty()
	}
	writeTwiML(w, doc)
}

// writeVoiceFallback answers a webhook whose event could not be applied. Calls that no
// longer exist are hung up; anything else asks the patient to repeat the same turn.
func (s *Server) writeVoiceFallback(w http.ResponseWriter, sessionID string, turn int, err error) string {
	switch {
	case errors.Is(err, call.ErrSessionNotFound), models.KindOf(err) == models.KindStateConflict:
		s.writeInstruction(w, sessionID, models.SpeakThenHangup("", turn), false)
		return outcomeConflict
	default:
		s.writeInstruction(w, sessionID, models.SpeakThenListen(flow.ClarificationText, turn), false)
		return outcomeError
	}
}

// voiceAnswerHandler handles the answer webhook: the patient picked up and hears the greeting.
func (s *Server) voiceAnswerHandler(w http.ResponseWriter, r *http.Request) string {
	id, ok := sessionID(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return outcomeInvalid
	}

	res, err := s.orch.Dispatch(r.Context(), call.Envelope{SessionID: id, Event: call.Answered{}})
	if err != nil {
		slog.Warn("Server.voiceAnswerHandler: answered event rejected", "sessionID", id, "callSID", r.PostForm.Get(formCallSID), "error", err)
		return s.writeVoiceFallback(w, id, 0, err)
	}
	if res.Instruction == nil {
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeIgnored
	}
	slog.Debug("Server.voiceAnswerHandler: greeting", "sessionID", id, "replayed", res.Replayed)
	s.writeInstruction(w, id, *res.Instruction, true)
	return outcomeOK
}

// voiceGatherHandler handles a finished <Gather>: one final patient utterance.
func (s *Server) voiceGatherHandler(w http.ResponseWriter, r *http.Request) string {
	id, ok := sessionID(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return outcomeInvalid
	}
	turn := -1
	if raw := r.URL.Query().Get(queryTurn); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("turn must be a non-negative integer"))
			return outcomeInvalid
		}
		turn = n
	}
	conf, err := parseScore(r, formConfidence)
	if err != nil {
		writeError(w, err)
		return outcomeInvalid
	}

	res, err := s.orch.Dispatch(r.Context(), call.Envelope{
		SessionID: id,
		Event:     call.SpeechFinal{Turn: turn, Text: r.PostForm.Get(formSpeechResult), Confidence: conf},
	})
	if err != nil {
		slog.Warn("Server.voiceGatherHandler: speech rejected", "sessionID", id, "turn", turn, "error", err)
		next := max(turn, 0)
		if view, ok := s.orch.Snapshot(id); ok && models.KindOf(err) == models.KindValidation {
			// Re-prompt at the turn the session is waiting for, not the one Twilio sent.
			next = view.Record.TurnIndex
		}
		return s.writeVoiceFallback(w, id, next, err)
	}
	if res.Stale || res.Instruction == nil {
		// The call has moved on; this gather's answer is no longer wanted.
		s.writeInstruction(w, id, models.SpeakThenHangup("", max(turn, 0)), false)
		return outcomeStale
	}
	s.writeInstruction(w, id, *res.Instruction, false)
	return outcomeOK
}

// voicePartialHandler handles interim recognition results. They never change the call.
func (s *Server) voicePartialHandler(w http.ResponseWriter, r *http.Request) string {
	id, ok := sessionID(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return outcomeInvalid
	}
	stability, err := parseScore(r, formStability)
	if err != nil {
		writeError(w, err)
		return outcomeInvalid
	}
	text := r.PostForm.Get(formUnstable)
	if text == "" {
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeIgnored
	}
	if _, err := s.orch.Dispatch(r.Context(), call.Envelope{
		SessionID: id,
		Event:     call.SpeechPartial{Text: text, Confidence: stability},
	}); err != nil {
		slog.Debug("Server.voicePartialHandler: partial dropped", "sessionID", id, "error", err)
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeIgnored
	}
	writeTwiML(w, twiliovoice.RenderEmpty())
	return outcomeOK
}

// voiceStatusHandler handles call progress callbacks.
func (s *Server) voiceStatusHandler(w http.ResponseWriter, r *http.Request) string {
	id, ok := sessionID(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return outcomeInvalid
	}
	status := r.PostForm.Get(formCallStatus)
	ev := call.EventForProviderStatus(status, r.PostForm.Get(formCallSID))
	if ev == nil {
		slog.Debug("Server.voiceStatusHandler: status carries no event", "sessionID", id, "status", status)
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeIgnored
	}

	res, err := s.orch.Dispatch(r.Context(), call.Envelope{SessionID: id, Event: ev})
	switch {
	case err == nil:
		slog.Debug("Server.voiceStatusHandler: status applied", "sessionID", id, "status", status, "callStatus", res.Status)
	case errors.Is(err, call.ErrSessionNotFound), models.KindOf(err) == models.KindStateConflict:
		// Late or out-of-order callbacks are expected.
		slog.Debug("Server.voiceStatusHandler: status ignored", "sessionID", id, "status", status, "error", err)
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeIgnored
	default:
		slog.Error("Server.voiceStatusHandler: status not applied", "sessionID", id, "status", status, "error", err)
		writeTwiML(w, twiliovoice.RenderEmpty())
		return outcomeError
	}
	writeTwiML(w, twiliovoice.RenderEmpty())
	return outcomeOK
}
