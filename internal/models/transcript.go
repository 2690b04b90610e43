package models

import (
	"slices"
	"strings"
	"time"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerPatient Speaker = "patient"
	SpeakerSystem  Speaker = "system"
)

// TranscriptEntry is one utterance or speech fragment within a call.
type TranscriptEntry struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	IsFinal    bool      `json:"is_final"`
	Turn       int       `json:"turn"`
}

// SpeechFragment is the output of the speech-to-text engine for a chunk of audio.
type SpeechFragment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// ClinicalContext accumulates clinical facts stated by the patient during a call.
// Each field is last-write-wins.
type ClinicalContext struct {
	PainScore      *int      `json:"pain_score,omitempty"`
	Concerns       []string  `json:"concerns,omitempty"` // sorted, unique
	MobilityFlag   bool      `json:"mobility_flag"`
	WoundFlag      bool      `json:"wound_flag"`
	MedicationFlag bool      `json:"medication_flag"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// SetPainScore records a new pain score.
func (c *ClinicalContext) SetPainScore(score int) {
	c.PainScore = &score
}

// AddConcern inserts a concern tag, keeping the set sorted.
func (c *ClinicalContext) AddConcern(tag string) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return
	}
	i, found := slices.BinarySearch(c.Concerns, tag)
	if found {
		return
	}
	c.Concerns = slices.Insert(c.Concerns, i, tag)
}

// HasConcern reports whether tag was recorded.
func (c ClinicalContext) HasConcern(tag string) bool {
	_, found := slices.BinarySearch(c.Concerns, strings.ToLower(tag))
	return found
}

// Clone returns a deep copy.
func (c ClinicalContext) Clone() ClinicalContext {
	out := c
	if c.PainScore != nil {
		v := *c.PainScore
		out.PainScore = &v
	}
	out.Concerns = slices.Clone(c.Concerns)
	return out
}
