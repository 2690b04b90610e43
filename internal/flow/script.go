package flow

import (
	"context"
	"sync"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Script is the fixed list of questions asked on one call type.
type Script []string

var (
	scriptsMu sync.RWMutex
	scripts   = map[models.CallType]Script{
		models.CallTypeEnrollment: {
			"Thank you. Can you confirm the date of your surgery for me?",
			"Is this phone number the best way to reach you before your surgery?",
			"Do you have any questions about the calls we'll be making?",
		},
		models.CallTypeEducation: {
			"Has your surgeon explained how long you will stay in the hospital?",
			"Do you know who will help you at home during the first few days of recovery?",
			"Is there anything about the recovery that worries you?",
		},
		models.CallTypePreparation: {
			"Have you arranged transport to and from the hospital?",
			"Have you been told which of your medications to stop before surgery?",
			"Is your home set up so you can move around safely after surgery?",
		},
		models.CallTypeFinalPrep: {
			"Do you know what time to stop eating and drinking before your surgery?",
			"Do you know what time to arrive at the hospital?",
			"Have you had any fever, cough, or signs of infection in the last few days?",
		},
		models.CallTypeFollowup: {
			"On a scale from zero to ten, how would you rate your pain right now?",
			"How does your wound look? Any redness, swelling, or drainage?",
			"Are you able to get up and walk around?",
			"Are you taking your medications as prescribed?",
			"Is there anything else you are worried about?",
		},
	}
)

// RegisterScript associates a call type with a script, replacing any existing one.
func RegisterScript(ct models.CallType, s Script) {
	scriptsMu.Lock()
	defer scriptsMu.Unlock()
	scripts[ct] = s
}

// GetScript retrieves the script for a call type.
func GetScript(ct models.CallType) (Script, bool) {
	scriptsMu.RLock()
	defer scriptsMu.RUnlock()
	s, ok := scripts[ct]
	return s, ok
}

// ScriptedGenerator walks through the call type's script, one question per turn, and
// concludes once it is exhausted. It is used when no AI generator is configured.
type ScriptedGenerator struct{}

var _ Generator = ScriptedGenerator{}

// GenerateTurn returns the question for the current turn. Turn 0 answers the greeting, so
// question i is asked at turn i+1.
func (ScriptedGenerator) GenerateTurn(ctx context.Context, tc models.TurnContext) (models.TurnReply, error) {
	if err := ctx.Err(); err != nil {
		return models.TurnReply{}, err
	}
	script, _ := GetScript(tc.CallType)
	i := tc.TurnIndex - 1
	if i < 0 || i >= len(script) {
		return models.TurnReply{Utterance: ClosingText, Hint: models.HintConclude}, nil
	}
	return models.TurnReply{Utterance: script[i], Hint: models.HintContinue}, nil
}
