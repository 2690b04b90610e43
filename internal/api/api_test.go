package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/call"
	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/scheduler"
	"github.com/BTreeMap/PostOpCall/internal/store"
	"github.com/BTreeMap/PostOpCall/internal/testutil"
	"github.com/BTreeMap/PostOpCall/internal/twiliovoice"
)

const testBaseURL = "https://calls.example.org"

// fakeEnroller stores the patient and returns its generated schedule.
type fakeEnroller struct {
	st  store.Store
	err error

	mu       sync.Mutex
	enrolled []models.Patient
}

func (e *fakeEnroller) Enroll(ctx context.Context, p models.Patient) ([]models.CallScheduleEntry, error) {
	if e.err != nil {
		return nil, e.err
	}
	entries, err := scheduler.GenerateSchedule(p)
	if err != nil {
		return nil, err
	}
	if err := e.st.SavePatient(p); err != nil {
		return nil, err
	}
	if err := e.st.SaveScheduleEntries(entries); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.enrolled = append(e.enrolled, p)
	e.mu.Unlock()
	return entries, nil
}

type testServer struct {
	srv      *Server
	handler  http.Handler
	orch     *call.Orchestrator
	store    *store.InMemoryStore
	dialer   *twiliovoice.MockClient
	enroller *fakeEnroller
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	mock := twiliovoice.NewMockClient()
	orch := call.NewOrchestrator(call.Deps{Store: st}, call.WithDialer(mock))
	enroller := &fakeEnroller{st: st}
	opts = append([]Option{WithPublicBaseURL(testBaseURL)}, opts...)
	srv := NewServer(orch, st, enroller, twiliovoice.NewRenderer(testBaseURL, false, ""), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Wait(ctx)
	})
	return &testServer{srv: srv, handler: srv.Handler(), orch: orch, store: st, dialer: mock, enroller: enroller}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) seedPatient(t *testing.T, id string) models.Patient {
	t.Helper()
	p := testutil.NewPatient(id, time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC))
	testutil.SeedPatient(t, ts.store, p)
	return p
}

// placeCall places a followup call through the API and returns its session ID.
func (ts *testServer) placeCall(t *testing.T, patientID string) string {
	t.Helper()
	rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/calls", map[string]string{"patient_id": patientID, "call_type": "followup"}))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "place call")
	var rec models.CallRecord
	testutil.DecodeResult(t, rr, &rec)
	if rec.SessionID == "" {
		t.Fatal("placed call has no session ID")
	}
	return rec.SessionID
}

func (ts *testServer) webhook(t *testing.T, path, sessionID string, turn int, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	target := twiliovoice.CallbackURL("", path, sessionID, turn)
	return ts.do(testutil.CreateFormRequest(t, target, form))
}

func TestCreatePatientHandler_Success(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]string{
		"name":         "Dana Smith",
		"phone":        "(415) 555-2671",
		"email":        "dana@example.org",
		"surgery_type": "knee replacement",
		"surgery_date": "2030-06-01",
		"timezone":     "America/Chicago",
	}
	rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/patients", body))

	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create patient")
	testutil.AssertJSONResponse(t, rr, "scheduled")

	var got enrollmentResult
	testutil.DecodeResult(t, rr, &got)
	if got.Patient.Phone != "+14155552671" {
		t.Errorf("phone = %q, want canonical E.164", got.Patient.Phone)
	}
	if got.Patient.ID == "" {
		t.Errorf("patient ID = %q", got.Patient.ID)
	}
	if len(got.Schedule) != scheduler.ScheduleLength {
		t.Errorf("schedule entries = %d, want %d", len(got.Schedule), scheduler.ScheduleLength)
	}
	if len(ts.enroller.enrolled) != 1 {
		t.Errorf("enrolled = %d, want 1", len(ts.enroller.enrolled))
	}
}

func TestCreatePatientHandler_BadRequest(t *testing.T) {
	valid := func() map[string]string {
		return map[string]string{
			"name":         "Dana Smith",
			"phone":        "+14155552671",
			"surgery_type": "knee replacement",
			"surgery_date": "2030-06-01",
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"missing name", func(b map[string]string) { delete(b, "name") }},
		{"missing phone", func(b map[string]string) { delete(b, "phone") }},
		{"invalid phone", func(b map[string]string) { b["phone"] = "12" }},
		{"bad email", func(b map[string]string) { b["email"] = "not-an-email" }},
		{"bad date", func(b map[string]string) { b["surgery_date"] = "06/01/2030" }},
		{"bad timezone", func(b map[string]string) { b["timezone"] = "Mars/Olympus" }},
		{"name too long", func(b map[string]string) { b["name"] = strings.Repeat("a", 101) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			body := valid()
			tt.mutate(body)
			rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/patients", body))
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
			if len(ts.enroller.enrolled) != 0 {
				t.Error("invalid request reached the enroller")
			}
		})
	}
}

func TestCreatePatientHandler_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest("POST", "/patients", strings.NewReader(`{"name":`))
	rr := ts.do(req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")
}

func TestCreatePatientHandler_EnrollerErrors(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"name": "Dana", "phone": "+14155552671", "surgery_type": "hip", "surgery_date": "2030-06-01"}

	ts.enroller.err = models.NewValidationError("timezone", "unknown")
	rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/patients", body))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "validation error from enroller")

	ts.enroller.err = errors.New("disk on fire")
	rr = ts.do(testutil.CreateHTTPRequest(t, "POST", "/patients", body))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "internal error from enroller")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["message"] != "Internal server error" {
		t.Errorf("internal error leaked: %v", resp["message"])
	}
}

func TestGetPatientAndSchedule(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPatient(t, "pt_1")
	entries, err := scheduler.GenerateSchedule(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.store.SaveScheduleEntries(entries); err != nil {
		t.Fatal(err)
	}

	rr := ts.do(testutil.CreateHTTPRequest(t, "GET", "/patients/pt_1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get patient")
	var got models.Patient
	testutil.DecodeResult(t, rr, &got)
	if got.Name != p.Name {
		t.Errorf("name = %q", got.Name)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/patients/pt_1/schedule", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get schedule")
	var sched []models.CallScheduleEntry
	testutil.DecodeResult(t, rr, &sched)
	if len(sched) != scheduler.ScheduleLength {
		t.Errorf("schedule entries = %d", len(sched))
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/patients/nobody", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown patient")
	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/patients/nobody/schedule", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown patient schedule")
}

func TestPlaceCallHandler(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPatient(t, "pt_1")

	rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/calls", map[string]string{"patient_id": "pt_1", "call_type": "education"}))
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "place call")
	testutil.AssertJSONResponse(t, rr, "dialing")

	var rec models.CallRecord
	testutil.DecodeResult(t, rr, &rec)
	if rec.Status != models.CallStatusInitiated {
		t.Errorf("status = %s, want initiated", rec.Status)
	}
	if ts.dialer.DialCount() != 1 || ts.dialer.Dials[0].To != p.Phone {
		t.Errorf("dials = %+v", ts.dialer.Dials)
	}
}

func TestPlaceCallHandler_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")

	rr := ts.do(testutil.CreateHTTPRequest(t, "POST", "/calls", map[string]string{"patient_id": "pt_1", "call_type": "checkup"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown call type")

	rr = ts.do(testutil.CreateHTTPRequest(t, "POST", "/calls", map[string]string{"patient_id": "ghost", "call_type": "followup"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown patient")

	ts.dialer.DialErr = errors.New("twilio unavailable")
	rr = ts.do(testutil.CreateHTTPRequest(t, "POST", "/calls", map[string]string{"patient_id": "pt_1", "call_type": "followup"}))
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "dial failure")
}

func TestCallInspection(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")

	rr := ts.do(testutil.CreateHTTPRequest(t, "GET", "/calls", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "active calls")
	var active []models.CallRecord
	testutil.DecodeResult(t, rr, &active)
	if len(active) != 1 || active[0].SessionID != id {
		t.Errorf("active = %+v", active)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/calls/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "live call")
	var live call.View
	testutil.DecodeResult(t, rr, &live)
	if live.Record.SessionID != id {
		t.Errorf("live session = %q", live.Record.SessionID)
	}

	testutil.SeedFinishedCall(t, ts.store, "call_done", "pt_1")
	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/calls/call_done", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stored call")
	var stored call.View
	testutil.DecodeResult(t, rr, &stored)
	if stored.Record.Status != models.CallStatusCompleted || len(stored.Transcript) != 2 || len(stored.Alerts) != 1 {
		t.Errorf("stored view = %+v", stored)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/calls/call_missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown call")
}

func TestAlertsAndNotifications(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedFinishedCall(t, ts.store, "call_1", "pt_1")
	if err := ts.store.AddNotification(models.Notification{ID: "n1", AlertID: "alert_call_1", PatientID: "pt_1", Severity: models.SeverityHigh, Message: "fever"}); err != nil {
		t.Fatal(err)
	}

	rr := ts.do(testutil.CreateHTTPRequest(t, "GET", "/alerts?session_id=call_1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "alerts")
	var alerts []models.Alert
	testutil.DecodeResult(t, rr, &alerts)
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/alerts?session_id=other", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "no alerts")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]interface{}); !ok || len(list) != 0 {
		t.Errorf("expected empty list, got %v", resp["result"])
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/notifications?patient_id=pt_1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "notifications")
	var notes []models.Notification
	testutil.DecodeResult(t, rr, &notes)
	if len(notes) != 1 || notes[0].ID != "n1" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestVoiceWebhooks_CallLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")

	rr := ts.webhook(t, twiliovoice.PathStatus, id, -1, url.Values{"CallStatus": {"ringing"}, "CallSid": {"CA1"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ringing")

	rr = ts.webhook(t, twiliovoice.PathAnswer, id, -1, url.Values{"CallSid": {"CA1"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "answer")
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := rr.Body.String(); !strings.Contains(body, "<Gather") || !strings.Contains(body, "Dana") {
		t.Errorf("answer TwiML = %s", body)
	}

	rr = ts.webhook(t, twiliovoice.PathPartial, id, 0, url.Values{"UnstableSpeechResult": {"doing"}, "Stability": {"0.4"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "partial")

	rr = ts.webhook(t, twiliovoice.PathGather, id, 0, url.Values{"SpeechResult": {"I'm doing well, thanks"}, "Confidence": {"0.92"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "gather")
	if !strings.Contains(rr.Body.String(), "<Gather") {
		t.Errorf("gather TwiML = %s", rr.Body.String())
	}

	// A retried gather for the same turn replays the same instruction.
	replay := ts.webhook(t, twiliovoice.PathGather, id, 0, url.Values{"SpeechResult": {"I'm doing well, thanks"}, "Confidence": {"0.92"}})
	if replay.Body.String() != rr.Body.String() {
		t.Errorf("replay differs:\n%s\n%s", replay.Body.String(), rr.Body.String())
	}

	rr = ts.webhook(t, twiliovoice.PathStatus, id, -1, url.Values{"CallStatus": {"completed"}, "CallSid": {"CA1"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "completed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.orch.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := ts.store.GetCallRecord(id)
	if err != nil || rec == nil {
		t.Fatalf("GetCallRecord = %v, %v", rec, err)
	}
	if rec.Status != models.CallStatusCompleted {
		t.Errorf("stored status = %s, want completed", rec.Status)
	}

	// Speech after the call ended is answered with a hangup.
	rr = ts.webhook(t, twiliovoice.PathGather, id, 1, url.Values{"SpeechResult": {"hello?"}, "Confidence": {"0.9"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "late gather")
	if !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("late gather TwiML = %s", rr.Body.String())
	}

	// Late status callbacks are acknowledged.
	rr = ts.webhook(t, twiliovoice.PathStatus, id, -1, url.Values{"CallStatus": {"ringing"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "late status")
}

func TestVoiceWebhooks_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")

	for _, path := range []string{twiliovoice.PathAnswer, twiliovoice.PathGather, twiliovoice.PathPartial, twiliovoice.PathStatus} {
		rr := ts.webhook(t, path, "", -1, url.Values{})
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing session on "+path)
	}

	rr := ts.do(testutil.CreateFormRequest(t, twiliovoice.PathGather+"?session_id="+id+"&turn=abc", url.Values{}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad turn")

	rr = ts.webhook(t, twiliovoice.PathGather, id, 0, url.Values{"SpeechResult": {"hi"}, "Confidence": {"7"}})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "confidence out of range")

	rr = ts.webhook(t, twiliovoice.PathStatus, id, -1, url.Values{"CallStatus": {"mystery"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown status")
}

func TestVoiceWebhooks_GatherTurnMismatchReprompts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")
	rr := ts.webhook(t, twiliovoice.PathAnswer, id, -1, url.Values{"CallSid": {"CA1"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "answer")

	rr = ts.webhook(t, twiliovoice.PathGather, id, 5, url.Values{"SpeechResult": {"hello"}, "Confidence": {"0.9"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "gather for a future turn")
	body := rr.Body.String()
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "catch that") || strings.Contains(body, "<Hangup") {
		t.Errorf("expected clarification TwiML, got %s", body)
	}
	if !strings.Contains(body, "turn=0") {
		t.Errorf("clarification should listen for the current turn, got %s", body)
	}

	view, ok := ts.orch.Snapshot(id)
	if !ok || view.Record.TurnIndex != 0 || view.Record.Status != models.CallStatusInProgress {
		t.Errorf("rejected speech must leave the session alone: %+v", view.Record)
	}
}

func TestVoiceWebhooks_GatherBeforeAnswerHangsUp(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")

	rr := ts.webhook(t, twiliovoice.PathGather, id, 0, url.Values{"SpeechResult": {"hello"}, "Confidence": {"0.9"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "gather before answer")
	if !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("TwiML = %s", rr.Body.String())
	}
}

func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + params.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceWebhooks_Signature(t *testing.T) {
	const token = "auth-token"
	ts := newTestServer(t, WithSignatureValidator(twiliovoice.NewSignatureValidator(token)))
	ts.seedPatient(t, "pt_1")
	id := ts.placeCall(t, "pt_1")

	form := url.Values{"CallStatus": {"ringing"}, "CallSid": {"CA1"}}
	target := twiliovoice.CallbackURL("", twiliovoice.PathStatus, id, -1)

	rr := ts.do(testutil.CreateFormRequest(t, target, form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned webhook")

	req := testutil.CreateFormRequest(t, target, form)
	req.Header.Set(twiliovoice.SignatureHeader, sign(token, testBaseURL+target, form))
	rr = ts.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed webhook")
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, "GET", "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = ts.do(testutil.CreateHTTPRequest(t, "GET", "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{call.ErrSessionNotFound, http.StatusNotFound},
		{models.NewValidationError("x", "bad"), http.StatusBadRequest},
		{&models.StateConflictError{SessionID: "s", Status: models.CallStatusCompleted, Event: "answered"}, http.StatusConflict},
		{models.NewExternalServiceError("twilio", errors.New("down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
