// Package testutil provides common test utilities and helpers for PostOpCall tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/store"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult unmarshals the "result" field of an API response into target.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	MustUnmarshalJSON(t, rr.Body.Bytes(), &envelope)
	if len(envelope.Result) == 0 {
		t.Fatal("response has no result")
	}
	MustUnmarshalJSON(t, envelope.Result, target)
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request the way Twilio sends webhooks.
func CreateFormRequest(t TB, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create form request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// NewPatient returns a valid patient whose surgery is on the given day.
func NewPatient(id string, surgery time.Time) models.Patient {
	return models.Patient{
		ID:          id,
		Name:        "Dana Smith",
		Phone:       "+14155552671",
		Email:       "dana@example.org",
		SurgeryType: "knee replacement",
		SurgeryDate: surgery,
		Timezone:    "America/New_York",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SeedPatient stores a patient and fails the test on error.
func SeedPatient(t TB, st store.Store, p models.Patient) {
	t.Helper()
	if err := st.SavePatient(p); err != nil {
		t.Fatalf("failed to seed patient %s: %v", p.ID, err)
	}
}

// SeedFinishedCall stores a completed call with a short transcript and one alert.
func SeedFinishedCall(t TB, st store.Store, sessionID, patientID string) {
	t.Helper()
	start := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Minute)
	rec := models.CallRecord{
		SessionID: sessionID,
		PatientID: patientID,
		CallType:  models.CallTypeFollowup,
		Status:    models.CallStatusCompleted,
		StartedAt: &start,
		EndedAt:   &end,
		TurnIndex: 1,
		CreatedAt: start,
		UpdatedAt: end,
	}
	if err := st.SaveCallRecord(rec); err != nil {
		t.Fatalf("failed to seed call record: %v", err)
	}

	entries := []models.TranscriptEntry{
		{Speaker: models.SpeakerSystem, Text: "How are you feeling today?", Turn: 0, IsFinal: true, Confidence: 1, Timestamp: start},
		{Speaker: models.SpeakerPatient, Text: "I have a fever of 102", Turn: 0, IsFinal: true, Confidence: 0.9, Timestamp: start.Add(time.Minute)},
	}
	if err := st.SaveTranscript(sessionID, entries); err != nil {
		t.Fatalf("failed to seed transcript: %v", err)
	}

	alert := models.Alert{
		ID:            "alert_" + sessionID,
		CallSessionID: sessionID,
		PatientID:     patientID,
		Kind:          models.AlertKindConcern,
		Severity:      models.SeverityHigh,
		DetectedText:  "I have a fever of 102",
		DetectedAt:    start.Add(time.Minute),
	}
	if err := st.SaveAlert(alert); err != nil {
		t.Fatalf("failed to seed alert: %v", err)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
