package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

type fakeGenerator struct {
	reply models.TurnReply
	err   error
	delay time.Duration
	calls int
	last  models.TurnContext
}

func (f *fakeGenerator) GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error) {
	f.calls++
	f.last = tc
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.TurnReply{}, ctx.Err()
		}
	}
	return f.reply, f.err
}

func snapshot(turn int) Snapshot {
	return Snapshot{
		SessionID:   "call_1",
		CallType:    models.CallTypeFollowup,
		PatientName: "Dana Smith",
		SurgeryType: "hip replacement",
		TurnIndex:   turn,
	}
}

func TestOpeningGreetsByCallType(t *testing.T) {
	e := NewEngine(nil)
	instr := e.Opening(snapshot(0))
	if instr.Action != models.ActionSpeakThenListen || instr.Turn != 0 {
		t.Errorf("unexpected opening: %+v", instr)
	}
	if !strings.Contains(instr.Text, "Dana") || !strings.Contains(instr.Text, "hip replacement") {
		t.Errorf("greeting should name the patient and surgery: %q", instr.Text)
	}
	s := snapshot(0)
	s.CallType = models.CallTypeFinalPrep
	if e.Opening(s).Text == instr.Text {
		t.Error("greetings should differ per call type")
	}
}

func TestNextMapsHints(t *testing.T) {
	tests := []struct {
		hint models.ContinuationHint
		want models.InstructionAction
	}{
		{models.HintContinue, models.ActionSpeakThenListen},
		{models.HintClarify, models.ActionSpeakThenListen},
		{models.HintConclude, models.ActionSpeakThenHangup},
	}
	for _, tt := range tests {
		gen := &fakeGenerator{reply: models.TurnReply{Utterance: "  Okay.  ", Hint: tt.hint}}
		instr := NewEngine(gen).Next(context.Background(), snapshot(3))
		if instr.Action != tt.want || instr.Text != "Okay." || instr.Turn != 3 {
			t.Errorf("hint %s: got %+v", tt.hint, instr)
		}
	}
}

func TestNextBuildsTurnContext(t *testing.T) {
	gen := &fakeGenerator{reply: models.TurnReply{Utterance: "Next question.", Hint: models.HintContinue}}
	e := NewEngine(gen, WithTailSize(2), WithMaxTurns(9))

	s := snapshot(4)
	s.Transcript = []models.TranscriptEntry{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	s.Clinical.SetPainScore(5)
	e.Next(context.Background(), s)

	if gen.last.MaxTurns != 9 || gen.last.TurnIndex != 4 || gen.last.CallType != models.CallTypeFollowup {
		t.Errorf("unexpected turn context: %+v", gen.last)
	}
	if len(gen.last.Transcript) != 2 || gen.last.Transcript[0].Text != "b" {
		t.Errorf("expected transcript tail of 2, got %+v", gen.last.Transcript)
	}
	if gen.last.Clinical.PainScore == nil || *gen.last.Clinical.PainScore != 5 {
		t.Error("clinical context not passed to generator")
	}
}

func TestNextTurnBudgetForcesConclusion(t *testing.T) {
	gen := &fakeGenerator{reply: models.TurnReply{Utterance: "Tell me more.", Hint: models.HintContinue}}
	e := NewEngine(gen, WithMaxTurns(5))

	instr := e.Next(context.Background(), snapshot(5))
	if !instr.EndsCall() || instr.Text != ClosingText {
		t.Errorf("expected forced closing, got %+v", instr)
	}
	if gen.calls != 0 {
		t.Error("generator must not be consulted once the budget is reached")
	}
}

func TestNextUnclearSpeech(t *testing.T) {
	gen := &fakeGenerator{reply: models.TurnReply{Utterance: "x", Hint: models.HintContinue}}
	e := NewEngine(gen, WithMaxUnclearStreak(2))

	s := snapshot(2)
	s.LastUnclear = true
	s.UnclearStreak = 1
	instr := e.Next(context.Background(), s)
	if instr.Action != models.ActionSpeakThenListen || instr.Text != ClarificationText {
		t.Errorf("expected clarification, got %+v", instr)
	}

	s.UnclearStreak = 2
	instr = e.Next(context.Background(), s)
	if !instr.EndsCall() || instr.Text != UnclearGoodbyeText {
		t.Errorf("expected apologetic conclusion, got %+v", instr)
	}
	if gen.calls != 0 {
		t.Error("generator must not be consulted for unclear speech")
	}
}

func TestNextCriticalAlertEndsCall(t *testing.T) {
	gen := &fakeGenerator{reply: models.TurnReply{Utterance: "x", Hint: models.HintContinue}}
	s := snapshot(1)
	s.Alerts = []models.Alert{{Kind: models.AlertKindConcern, Severity: models.SeverityCritical}}
	instr := NewEngine(gen).Next(context.Background(), s)
	if !instr.EndsCall() || instr.Text != SafetyText {
		t.Errorf("expected safety message, got %+v", instr)
	}
}

func TestNextGeneratorFallbacks(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
		opts []Option
	}{
		{"nil generator", nil, nil},
		{"error", &fakeGenerator{err: errors.New("upstream 500")}, nil},
		{"empty reply", &fakeGenerator{reply: models.TurnReply{Utterance: "   ", Hint: models.HintContinue}}, nil},
		{"timeout", &fakeGenerator{delay: time.Second, reply: models.TurnReply{Utterance: "late"}}, []Option{WithTimeout(20 * time.Millisecond)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			instr := NewEngine(tt.gen, tt.opts...).Next(context.Background(), snapshot(2))
			if instr.Action != models.ActionSpeakThenListen || instr.Text != ClarificationText || instr.Turn != 2 {
				t.Errorf("expected clarification fallback, got %+v", instr)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Errorf("fallback took too long: %v", time.Since(start))
			}
		})
	}
}

func TestScriptedGenerator(t *testing.T) {
	e := NewEngine(ScriptedGenerator{})
	script, ok := GetScript(models.CallTypeFollowup)
	if !ok {
		t.Fatal("followup script missing")
	}
	for i, q := range script {
		instr := e.Next(context.Background(), snapshot(i+1))
		if instr.Text != q || instr.EndsCall() {
			t.Errorf("turn %d: got %+v, want %q", i+1, instr, q)
		}
	}
	last := e.Next(context.Background(), snapshot(len(script)+1))
	if !last.EndsCall() || last.Text != ClosingText {
		t.Errorf("script should conclude when exhausted, got %+v", last)
	}
}

func TestRegisterScript(t *testing.T) {
	RegisterScript("custom", Script{"Only question?"})
	reply, err := ScriptedGenerator{}.GenerateTurn(context.Background(), models.TurnContext{CallType: "custom", TurnIndex: 1})
	if err != nil || reply.Utterance != "Only question?" {
		t.Errorf("unexpected reply %+v, err %v", reply, err)
	}
}
