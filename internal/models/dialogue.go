package models

// InstructionAction tells the telephony layer what to do with an instruction's text.
type InstructionAction string

const (
	ActionSpeak           InstructionAction = "speak"
	ActionSpeakThenListen InstructionAction = "speak_then_listen"
	ActionSpeakThenHangup InstructionAction = "speak_then_hangup"
)

// DialogueInstruction is the next thing the system says on a call.
type DialogueInstruction struct {
	Action InstructionAction `json:"action"`
	Text   string            `json:"text"`
	// Turn is the transcript turn index the patient's reply will be recorded under.
	Turn int `json:"turn"`
}

// Speak returns an instruction that speaks text and continues.
func Speak(text string, turn int) DialogueInstruction {
	return DialogueInstruction{Action: ActionSpeak, Text: text, Turn: turn}
}

// SpeakThenListen returns an instruction that speaks text and waits for the patient.
func SpeakThenListen(text string, turn int) DialogueInstruction {
	return DialogueInstruction{Action: ActionSpeakThenListen, Text: text, Turn: turn}
}

// SpeakThenHangup returns an instruction that speaks text and ends the call.
func SpeakThenHangup(text string, turn int) DialogueInstruction {
	return DialogueInstruction{Action: ActionSpeakThenHangup, Text: text, Turn: turn}
}

// EndsCall reports whether the instruction hangs up after speaking.
func (d DialogueInstruction) EndsCall() bool {
	return d.Action == ActionSpeakThenHangup
}

// ContinuationHint is the generator's suggestion for how the conversation should proceed.
type ContinuationHint string

const (
	HintContinue ContinuationHint = "continue"
	HintClarify  ContinuationHint = "clarify"
	HintConclude ContinuationHint = "conclude"
)

// TurnContext is the payload sent to the AI generator for one turn.
type TurnContext struct {
	SessionID   string            `json:"session_id"`
	CallType    CallType          `json:"call_type"`
	TurnIndex   int               `json:"turn_index"`
	MaxTurns    int               `json:"max_turns"`
	PatientName string            `json:"patient_name,omitempty"`
	SurgeryType string            `json:"surgery_type,omitempty"`
	Transcript  []TranscriptEntry `json:"transcript"`
	Clinical    ClinicalContext   `json:"clinical_context"`
}

// TurnReply is the generator's answer for one turn.
type TurnReply struct {
	Utterance string           `json:"utterance"`
	Hint      ContinuationHint `json:"hint"`
}
