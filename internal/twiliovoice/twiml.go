package twiliovoice

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/PostOpCall/internal/models"
)

// DefaultListenSeconds keeps a media-stream call open while the next instruction is computed.
const DefaultListenSeconds = 60

// Renderer turns dialogue instructions into TwiML documents.
type Renderer struct {
	baseURL       string
	mediaStreams  bool
	language      string
	listenSeconds int
}

// NewRenderer builds a renderer for webhooks under baseURL.
func NewRenderer(baseURL string, mediaStreams bool, language string) *Renderer {
	if language == "" {
		language = "en-US"
	}
	return &Renderer{
		baseURL:       baseURL,
		mediaStreams:  mediaStreams,
		language:      language,
		listenSeconds: DefaultListenSeconds,
	}
}

// MediaStreams reports whether speech is captured over Media Streams.
func (r *Renderer) MediaStreams() bool {
	return r.mediaStreams
}

// URL returns the absolute webhook URL for path.
func (r *Renderer) URL(path, sessionID string, turn int) string {
	return CallbackURL(r.baseURL, path, sessionID, turn)
}

// RenderAnswer renders the first instruction of a call. In media-stream mode the audio fork
// is started before anything is said.
func (r *Renderer) RenderAnswer(sessionID string, instr models.DialogueInstruction) (string, error) {
	var verbs []twiml.Element
	if r.mediaStreams && !instr.EndsCall() {
		verbs = append(verbs, &twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: StreamURL(r.baseURL, sessionID), Track: "inbound_track"},
			},
		})
	}
	verbs = append(verbs, r.verbs(sessionID, instr)...)
	return voice(verbs)
}

// Render renders an instruction issued during the call.
func (r *Renderer) Render(sessionID string, instr models.DialogueInstruction) (string, error) {
	return voice(r.verbs(sessionID, instr))
}

// RenderEmpty acknowledges a webhook without changing what the call is doing.
func RenderEmpty() string {
	doc, err := twiml.Voice(nil)
	if err != nil {
		return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	}
	return doc
}

func (r *Renderer) verbs(sessionID string, instr models.DialogueInstruction) []twiml.Element {
	var verbs []twiml.Element
	say := r.say(instr.Text)

	switch instr.Action {
	case models.ActionSpeakThenHangup:
		if say != nil {
			verbs = append(verbs, say)
		}
		verbs = append(verbs, &twiml.VoiceHangup{})
	case models.ActionSpeakThenListen:
		if r.mediaStreams {
			if say != nil {
				verbs = append(verbs, say)
			}
			verbs = append(verbs, r.pause())
			break
		}
		gather := &twiml.VoiceGather{
			Input:                 "speech",
			Action:                r.URL(PathGather, sessionID, instr.Turn),
			Method:                "POST",
			SpeechTimeout:         "auto",
			PartialResultCallback: r.URL(PathPartial, sessionID, instr.Turn),
			Language:              r.language,
			ActionOnEmptyResult:   "true",
		}
		if say != nil {
			gather.InnerElements = []twiml.Element{say}
		}
		verbs = append(verbs, gather)
	default:
		if say != nil {
			verbs = append(verbs, say)
		}
		verbs = append(verbs, r.pause())
	}
	return verbs
}

func (r *Renderer) say(text string) *twiml.VoiceSay {
	if text == "" {
		return nil
	}
	return &twiml.VoiceSay{Message: text, Language: r.language}
}

func (r *Renderer) pause() *twiml.VoicePause {
	return &twiml.VoicePause{Length: fmt.Sprint(r.listenSeconds)}
}

func voice(verbs []twiml.Element) (string, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return doc, nil
}
