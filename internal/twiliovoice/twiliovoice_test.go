package twiliovoice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

type fakeREST struct {
	calls    []*twilioApi.CreateCallParams
	updates  map[string]*twilioApi.UpdateCallParams
	messages []*twilioApi.CreateMessageParams
	err      error
}

func (f *fakeREST) CreateCall(p *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, p)
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeREST) UpdateCall(sid string, p *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.updates == nil {
		f.updates = make(map[string]*twilioApi.UpdateCallParams)
	}
	f.updates[sid] = p
	return &twilioApi.ApiV2010Call{}, nil
}

func (f *fakeREST) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, p)
	return &twilioApi.ApiV2010Message{}, nil
}

func newTestClient(rest *fakeREST, media bool) *Client {
	return newClient(rest, Opts{
		FromNumber:     "+15550001111",
		BaseURL:        "https://calls.example.org/",
		CallsPerSecond: 1000,
		MediaStreams:   media,
	})
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	if _, err := NewClient(WithFromNumber("+15550001111"), WithBaseURL("https://x")); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550001111")); err == nil {
		t.Fatal("expected error without base URL")
	}
}

func TestDialSetsWebhooks(t *testing.T) {
	rest := &fakeREST{}
	c := newTestClient(rest, false)

	sid, err := c.Dial(context.Background(), models.DialRequest{
		SessionID: "call_1", PatientID: "pt_1", CallType: models.CallTypeEducation, To: "+15551234567",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if sid != "CA123" {
		t.Errorf("sid = %q", sid)
	}
	if len(rest.calls) != 1 {
		t.Fatalf("expected 1 CreateCall, got %d", len(rest.calls))
	}
	p := rest.calls[0]
	if *p.To != "+15551234567" || *p.From != "+15550001111" {
		t.Errorf("to/from = %s/%s", *p.To, *p.From)
	}
	if *p.Url != "https://calls.example.org/voice/answer?session_id=call_1" {
		t.Errorf("answer url = %s", *p.Url)
	}
	if *p.StatusCallback != "https://calls.example.org/voice/status?session_id=call_1" {
		t.Errorf("status url = %s", *p.StatusCallback)
	}
	if len(*p.StatusCallbackEvent) != len(statusEvents) {
		t.Errorf("status events = %v", *p.StatusCallbackEvent)
	}
}

func TestDialFailureIsExternalServiceError(t *testing.T) {
	rest := &fakeREST{err: errors.New("boom")}
	c := newTestClient(rest, false)

	_, err := c.Dial(context.Background(), models.DialRequest{SessionID: "call_1", To: "+15551234567"})
	if models.KindOf(err) != models.KindExternalService {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestPushInstructionRendersTwiML(t *testing.T) {
	rest := &fakeREST{}
	c := newTestClient(rest, true)

	err := c.PushInstruction(context.Background(), "CA123", "call_1", models.SpeakThenHangup("Goodbye", 3))
	if err != nil {
		t.Fatalf("PushInstruction: %v", err)
	}
	doc := *rest.updates["CA123"].Twiml
	if !strings.Contains(doc, "Goodbye</Say>") || !strings.Contains(doc, "<Hangup") {
		t.Errorf("unexpected twiml: %s", doc)
	}
	if err := c.PushInstruction(context.Background(), "", "call_1", models.Speak("x", 0)); err == nil {
		t.Error("expected error for empty call SID")
	}
}

func TestSendSMS(t *testing.T) {
	rest := &fakeREST{}
	c := newTestClient(rest, false)
	if err := c.SendSMS(context.Background(), "+15557654321", "alert"); err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if len(rest.messages) != 1 || *rest.messages[0].Body != "alert" || *rest.messages[0].From != "+15550001111" {
		t.Errorf("unexpected message params: %+v", rest.messages)
	}
}

func TestRenderGather(t *testing.T) {
	r := NewRenderer("https://calls.example.org", false, "")
	doc, err := r.Render("call_1", models.SpeakThenListen("How is your pain today?", 2))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"<Gather",
		`input="speech"`,
		"/voice/gather?session_id=call_1&amp;turn=2",
		"/voice/partial?session_id=call_1&amp;turn=2",
		"How is your pain today?</Say>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("twiml missing %q: %s", want, doc)
		}
	}
	if strings.Contains(doc, "<Hangup") {
		t.Errorf("listen instruction should not hang up: %s", doc)
	}
}

func TestRenderAnswerMediaStreams(t *testing.T) {
	r := NewRenderer("https://calls.example.org", true, "en-US")
	doc, err := r.RenderAnswer("call_1", models.SpeakThenListen("Hello", 0))
	if err != nil {
		t.Fatalf("RenderAnswer: %v", err)
	}
	if !strings.Contains(doc, "<Stream") || !strings.Contains(doc, "wss://calls.example.org/voice/stream?session_id=call_1") {
		t.Errorf("expected media stream start: %s", doc)
	}
	if strings.Contains(doc, "<Gather") {
		t.Errorf("media-stream mode should not gather: %s", doc)
	}
	if !strings.Contains(doc, "<Pause") {
		t.Errorf("expected pause to hold the call open: %s", doc)
	}
}

func TestRenderEmptyListen(t *testing.T) {
	r := NewRenderer("https://calls.example.org", false, "")
	doc, err := r.Render("call_1", models.SpeakThenListen("", 1))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(doc, "<Say") {
		t.Errorf("empty text should not produce Say: %s", doc)
	}
}

func TestCallbackAndStreamURL(t *testing.T) {
	if got := CallbackURL("https://a.b/", PathStatus, "", -1); got != "https://a.b/voice/status" {
		t.Errorf("CallbackURL = %s", got)
	}
	if got := StreamURL("http://localhost:8080", "s1"); got != "ws://localhost:8080/voice/stream?session_id=s1" {
		t.Errorf("StreamURL = %s", got)
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

func TestSignatureValidator(t *testing.T) {
	const token = "secret-token"
	const fullURL = "https://calls.example.org/voice/status?session_id=call_1"
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}}

	req := httptest.NewRequest("POST", "/voice/status?session_id=call_1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(SignatureHeader, sign(token, fullURL, form))
	if err := req.ParseForm(); err != nil {
		t.Fatal(err)
	}

	v := NewSignatureValidator(token)
	if !v.Valid(req, fullURL) {
		t.Error("expected valid signature")
	}
	req.Header.Set(SignatureHeader, "bogus")
	if v.Valid(req, fullURL) {
		t.Error("expected invalid signature")
	}
}

func TestMockClientRecords(t *testing.T) {
	m := NewMockClient()
	sid, err := m.Dial(context.Background(), models.DialRequest{SessionID: "call_1"})
	if err != nil || sid == "" {
		t.Fatalf("Dial: %q %v", sid, err)
	}
	_ = m.PushInstruction(context.Background(), sid, "call_1", models.Speak("hi", 0))
	_ = m.SendSMS(context.Background(), "+15551234567", "hi")
	if m.DialCount() != 1 || m.PushCount() != 1 || len(m.SMS) != 1 {
		t.Errorf("unexpected mock state: %+v", m)
	}
}
