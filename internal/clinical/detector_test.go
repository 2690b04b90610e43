package clinical

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

var detectedAt = time.Date(2024, 2, 10, 15, 30, 0, 0, time.UTC)

func newTestDetector(opts ...Option) *Detector {
	n := 0
	opts = append([]Option{WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("alert_%d", n)
	})}, opts...)
	return NewDetector(opts...)
}

func detect(t *testing.T, d *Detector, utterance string, cc models.ClinicalContext) Result {
	t.Helper()
	res, err := d.Detect(context.Background(), Input{
		SessionID: "call_1",
		PatientID: "pt_1",
		Utterance: utterance,
		At:        detectedAt,
		Context:   cc,
	})
	require.NoError(t, err)
	return res
}

func TestDetectHighPain(t *testing.T) {
	res := detect(t, newTestDetector(), "My pain is 9 out of 10", models.ClinicalContext{})

	require.Len(t, res.Alerts, 1)
	a := res.Alerts[0]
	assert.Equal(t, models.AlertKindHighPain, a.Kind)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, "call_1", a.CallSessionID)
	assert.Equal(t, "pt_1", a.PatientID)
	assert.Equal(t, "My pain is 9 out of 10", a.DetectedText)
	assert.Equal(t, detectedAt, a.DetectedAt)
	require.NotNil(t, res.Context.PainScore)
	assert.Equal(t, 9, *res.Context.PainScore)
}

func TestDetectLowPainUpdatesContextOnly(t *testing.T) {
	res := detect(t, newTestDetector(), "It's about 3 out of 10 today", models.ClinicalContext{})

	assert.Empty(t, res.Alerts)
	require.NotNil(t, res.Context.PainScore)
	assert.Equal(t, 3, *res.Context.PainScore)
	assert.Equal(t, detectedAt, res.Context.UpdatedAt)
}

func TestDetectModeratePain(t *testing.T) {
	res := detect(t, newTestDetector(), "pain level is 5", models.ClinicalContext{})

	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindHighPain, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityModerate, res.Alerts[0].Severity)
}

func TestDetectNoClinicalContent(t *testing.T) {
	res := detect(t, newTestDetector(), "Thanks, I'm doing fine and resting a lot", models.ClinicalContext{})

	assert.Empty(t, res.Alerts)
	assert.Nil(t, res.Context.PainScore)
	assert.True(t, res.Context.UpdatedAt.IsZero())
}

func TestDetectEmptyUtterance(t *testing.T) {
	res := detect(t, newTestDetector(), "   ", models.ClinicalContext{})
	assert.Empty(t, res.Alerts)
}

func TestDetectNegatedConcern(t *testing.T) {
	d := newTestDetector()

	res := detect(t, d, "I don't have a fever", models.ClinicalContext{})
	assert.Empty(t, res.Alerts)
	assert.Empty(t, res.Context.Concerns)

	res = detect(t, d, "I have a fever since last night", models.ClinicalContext{})
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindConcern, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityModerate, res.Alerts[0].Severity)
	assert.True(t, res.Context.HasConcern("fever"))
}

func TestDetectEscalatedWound(t *testing.T) {
	res := detect(t, newTestDetector(), "The bleeding is really bad", models.ClinicalContext{})

	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindWound, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityHigh, res.Alerts[0].Severity)
	assert.True(t, res.Context.WoundFlag)
}

func TestDetectCategoryEscalatedByPainContext(t *testing.T) {
	pain := 8
	cc := models.ClinicalContext{PainScore: &pain}
	res := detect(t, newTestDetector(), "I forgot to take my antibiotics", cc)

	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindMedication, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityHigh, res.Alerts[0].Severity)
	assert.True(t, res.Context.MedicationFlag)
}

func TestDetectWordNumbersAndOrdering(t *testing.T) {
	res := detect(t, newTestDetector(), "My pain is a nine and there's some bleeding", models.ClinicalContext{})

	require.Len(t, res.Alerts, 2)
	assert.Equal(t, models.AlertKindHighPain, res.Alerts[0].Kind)
	assert.Equal(t, models.AlertKindWound, res.Alerts[1].Kind)
	for _, a := range res.Alerts {
		assert.Equal(t, models.SeverityHigh, a.Severity)
	}
}

func TestDetectEmergencyIsCritical(t *testing.T) {
	d := newTestDetector()

	res := detect(t, d, "I have chest pain", models.ClinicalContext{})
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindConcern, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)
	assert.True(t, res.Context.HasConcern("chest pain"))

	res = detect(t, d, "it won't stop bleeding", models.ClinicalContext{})
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertKindWound, res.Alerts[0].Kind)
	assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)
}

func TestDetectEmergencyIgnoresNegation(t *testing.T) {
	d := newTestDetector()
	for _, utterance := range []string{
		"No, I want to die.",
		"No, I can't breathe",
		"not really, I want to kill myself",
	} {
		t.Run(utterance, func(t *testing.T) {
			res := detect(t, d, utterance, models.ClinicalContext{})
			require.NotEmpty(t, res.Alerts)
			assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)
		})
	}
}

func TestDetectNegationStopsAtClauseBreak(t *testing.T) {
	d := newTestDetector()
	tests := []struct {
		utterance string
		want      models.AlertKind
		alert     bool
	}{
		{"no fever, but the wound is oozing", models.AlertKindWound, true},
		{"I'm not sure. There is some redness", models.AlertKindWound, true},
		{"no pain and I feel dizzy", models.AlertKindConcern, true},
		{"no pain and no bleeding", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			res := detect(t, d, tt.utterance, models.ClinicalContext{})
			if !tt.alert {
				assert.Empty(t, res.Alerts)
				return
			}
			require.Len(t, res.Alerts, 1)
			assert.Equal(t, tt.want, res.Alerts[0].Kind)
		})
	}
}

func TestDetectStatedHoldsOnlyThisUtterance(t *testing.T) {
	pain := 6
	cc := models.ClinicalContext{PainScore: &pain, WoundFlag: true, Concerns: []string{"nausea"}}
	res := detect(t, newTestDetector(), "I feel dizzy", cc)

	assert.Nil(t, res.Stated.PainScore)
	assert.False(t, res.Stated.WoundFlag)
	assert.Equal(t, []string{"dizzy"}, res.Stated.Concerns)
	assert.Equal(t, detectedAt, res.Stated.UpdatedAt)
	assert.True(t, res.Context.WoundFlag)
	assert.Equal(t, []string{"dizzy", "nausea"}, res.Context.Concerns)
}

func TestDetectKindPriorityOption(t *testing.T) {
	d := newTestDetector(WithKindPriority([]models.AlertKind{
		models.AlertKindConcern, models.AlertKindWound,
	}))
	res := detect(t, d, "I'm worried about the redness", models.ClinicalContext{})

	require.Len(t, res.Alerts, 2)
	assert.Equal(t, models.AlertKindConcern, res.Alerts[0].Kind)
	assert.Equal(t, models.AlertKindWound, res.Alerts[1].Kind)
}

func TestDetectDoesNotMutateInputContext(t *testing.T) {
	pain := 2
	cc := models.ClinicalContext{PainScore: &pain, Concerns: []string{"nausea"}}
	res := detect(t, newTestDetector(), "8/10 and I'm dizzy", cc)

	assert.Equal(t, 2, *cc.PainScore)
	assert.Equal(t, []string{"nausea"}, cc.Concerns)
	assert.Equal(t, 8, *res.Context.PainScore)
	assert.True(t, res.Context.HasConcern("dizzy"))
	assert.True(t, res.Context.HasConcern("nausea"))
}

func TestDetectCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestDetector().Detect(ctx, Input{Utterance: "9 out of 10"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractPainScore(t *testing.T) {
	tests := []struct {
		in    string
		want  int
		found bool
	}{
		{"9 out of 10", 9, true},
		{"it's a 7/10", 7, true},
		{"my pain is about seven", 7, true},
		{"I'd rate it a six", 6, true},
		{"ten over 10", 10, true},
		{"pain score of 0", 0, true},
		{"12 out of 10", 0, false},
		{"I walked 2 blocks", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ExtractPainScore(tt.in)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
