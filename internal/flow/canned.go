package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// Canned utterances used when the generator is not consulted.
const (
	ClarificationText  = "I'm sorry, I didn't quite catch that. Could you say that again?"
	ClosingText        = "Thank you for your time today. Your care team will be in touch if anything else is needed. Goodbye."
	UnclearGoodbyeText = "I'm sorry, I'm having trouble hearing you clearly. A member of your care team will follow up with you. Goodbye."
	SafetyText         = "Thank you for telling me. I have alerted your care team right away. If this is an emergency, please hang up and call 911 now. Goodbye."
)

var greetings = map[models.CallType]string{
	models.CallTypeEnrollment:  "Hello%s, this is the pre-surgery care line calling about your upcoming %s. Over the next few weeks we will call you a few times to help you get ready. Is now a good time to talk?",
	models.CallTypeEducation:   "Hello%s, this is the pre-surgery care line. I'd like to spend a few minutes talking about what to expect with your %s. Is now a good time?",
	models.CallTypePreparation: "Hello%s, this is the pre-surgery care line calling to help you prepare for your %s. Do you have a few minutes?",
	models.CallTypeFinalPrep:   "Hello%s, this is the pre-surgery care line. Your %s is coming up very soon, so I'd like to go over a few final details. Is now a good time?",
	models.CallTypeFollowup:    "Hello%s, this is your care team checking in after your %s. How are you feeling today?",
}

// Greeting returns the opening line for a call type.
func Greeting(ct models.CallType, patientName, surgeryType string) string {
	tmpl, ok := greetings[ct]
	if !ok {
		tmpl = greetings[models.CallTypeFollowup]
	}
	name := ""
	if first := firstName(patientName); first != "" {
		name = " " + first
	}
	if strings.TrimSpace(surgeryType) == "" {
		surgeryType = "procedure"
	}
	return fmt.Sprintf(tmpl, name, surgeryType)
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
