// Package clinical detects clinically significant statements in patient utterances.
//
// The Detector is stateless: it takes an utterance and the current clinical context and
// returns the updated context plus zero or more alerts. The context is always updated
// before alerts are derived from it.
package clinical

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PostOpCall/internal/models"
	"github.com/BTreeMap/PostOpCall/internal/util"
)

// Default pain thresholds on the 0..10 scale.
const (
	DefaultHighPainThreshold     = 7
	DefaultModeratePainThreshold = 4
	negationWindow               = 3
)

// DefaultKindPriority breaks ties between alerts of equal severity.
var DefaultKindPriority = []models.AlertKind{
	models.AlertKindHighPain,
	models.AlertKindWound,
	models.AlertKindMedication,
	models.AlertKindMobility,
	models.AlertKindConcern,
}

// Input is one finalized utterance to evaluate.
type Input struct {
	SessionID string
	PatientID string
	Utterance string
	At        time.Time
	Context   models.ClinicalContext
}

// Result is the detector's output for one utterance.
type Result struct {
	// Context is the input context with this utterance's facts applied.
	Context models.ClinicalContext
	// Stated holds only the facts found in this utterance.
	Stated models.ClinicalContext
	Alerts []models.Alert
}

// Opts holds detector configuration.
type Opts struct {
	Lexicon               Lexicon
	HighPainThreshold     int
	ModeratePainThreshold int
	KindPriority          []models.AlertKind
	NewID                 func() string
}

// Option defines a functional option for configuring the Detector.
type Option func(*Opts)

// WithLexicon replaces the default lexicon.
func WithLexicon(l Lexicon) Option {
	return func(o *Opts) { o.Lexicon = l }
}

// WithPainThresholds sets the moderate and high pain thresholds.
func WithPainThresholds(moderate, high int) Option {
	return func(o *Opts) {
		o.ModeratePainThreshold = moderate
		o.HighPainThreshold = high
	}
}

// WithKindPriority sets the tie-break order for alerts of equal severity.
func WithKindPriority(kinds []models.AlertKind) Option {
	return func(o *Opts) { o.KindPriority = kinds }
}

// WithIDGenerator overrides alert ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewID = fn }
}

type phrase struct {
	text string
	re   *regexp.Regexp
}

// Detector is a rule-based clinical alert detector.
type Detector struct {
	opts       Opts
	categories map[models.AlertKind][]phrase
	escalators []phrase
	emergency  []phrase
	negators   map[string]struct{}
}

var (
	painPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{1,2})\s*(?:out of|/|over|on a scale of)\s*10\b`),
		regexp.MustCompile(`\b(?:pain|hurts?|discomfort)(?:\s+(?:level|score))?\s*(?:is|'s|was|at|of|around|about)?\s*(?:is|at|about|around|like|maybe)?\s*(?:a|an)?\s*(\d{1,2})\b`),
		regexp.MustCompile(`\b(?:rate|rating)\s+(?:it|my pain|the pain)?\s*(?:a|an|at)?\s*(\d{1,2})\b`),
	}
	numberWords = map[string]string{
		"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
		"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
	}
	numberWordRe = regexp.MustCompile(`\b(zero|one|two|three|four|five|six|seven|eight|nine|ten)\b`)
	tokenRe      = regexp.MustCompile(`[a-z0-9']+`)

	// Negation does not carry across these.
	clauseBreakRe = regexp.MustCompile(`[,.;:!?]|\b(?:but|and)\b`)
)

// NewDetector builds a Detector from options.
func NewDetector(opts ...Option) *Detector {
	cfg := Opts{
		Lexicon:               DefaultLexicon(),
		HighPainThreshold:     DefaultHighPainThreshold,
		ModeratePainThreshold: DefaultModeratePainThreshold,
		KindPriority:          DefaultKindPriority,
		NewID:                 util.NewAlertID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Detector{
		opts: cfg,
		categories: map[models.AlertKind][]phrase{
			models.AlertKindConcern:    compile(cfg.Lexicon.Concern),
			models.AlertKindMobility:   compile(cfg.Lexicon.Mobility),
			models.AlertKindWound:      compile(cfg.Lexicon.Wound),
			models.AlertKindMedication: compile(cfg.Lexicon.Medication),
		},
		escalators: compile(cfg.Lexicon.Escalators),
		emergency:  compile(cfg.Lexicon.Emergency),
		negators:   make(map[string]struct{}, len(cfg.Lexicon.Negators)),
	}
	for _, n := range cfg.Lexicon.Negators {
		d.negators[normalize(n)] = struct{}{}
	}
	return d
}

func compile(phrases []string) []phrase {
	out := make([]phrase, 0, len(phrases))
	for _, p := range phrases {
		p = normalize(p)
		if p == "" {
			continue
		}
		out = append(out, phrase{text: p, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)})
	}
	return out
}

// normalize lowercases text and folds typographic apostrophes.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("’", "'", "‘", "'").Replace(s)
}

// Detect evaluates one utterance. It only fails when ctx is already done.
func (d *Detector) Detect(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Context: in.Context}, err
	}

	text := normalize(in.Utterance)
	updated := in.Context.Clone()
	res := Result{Context: updated}
	if text == "" {
		return res, nil
	}
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pain, hasPain := ExtractPainScore(text)

	matched := make(map[models.AlertKind]string)
	for kind, phrases := range d.categories {
		if hit, ok := d.firstMatch(text, phrases); ok {
			matched[kind] = hit
		}
	}
	// Emergency phrases are never negated: "no, I can't breathe" is still an emergency.
	emergencyHit, emergency := d.firstPresent(text, d.emergency)
	_, escalated := d.firstMatch(text, d.escalators)

	apply := func(c *models.ClinicalContext) {
		if hasPain {
			c.SetPainScore(pain)
		}
		if _, ok := matched[models.AlertKindMobility]; ok {
			c.MobilityFlag = true
		}
		if _, ok := matched[models.AlertKindWound]; ok {
			c.WoundFlag = true
		}
		if _, ok := matched[models.AlertKindMedication]; ok {
			c.MedicationFlag = true
		}
		if hit, ok := matched[models.AlertKindConcern]; ok {
			c.AddConcern(hit)
		}
		if emergency {
			c.AddConcern(emergencyHit)
		}
		if hasPain || len(matched) > 0 || emergency {
			c.UpdatedAt = at
		}
	}
	apply(&updated)
	apply(&res.Stated)
	res.Context = updated

	highPainContext := updated.PainScore != nil && *updated.PainScore >= d.opts.HighPainThreshold

	var alerts []models.Alert
	newAlert := func(kind models.AlertKind, sev models.Severity) {
		if emergency {
			sev = models.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			ID:            d.opts.NewID(),
			CallSessionID: in.SessionID,
			PatientID:     in.PatientID,
			Kind:          kind,
			Severity:      sev,
			DetectedText:  strings.TrimSpace(in.Utterance),
			DetectedAt:    at,
		})
	}

	if hasPain {
		switch {
		case pain >= d.opts.HighPainThreshold:
			newAlert(models.AlertKindHighPain, models.SeverityHigh)
		case pain >= d.opts.ModeratePainThreshold:
			newAlert(models.AlertKindHighPain, models.SeverityModerate)
		}
	}
	for kind := range matched {
		sev := models.SeverityModerate
		if escalated || highPainContext {
			sev = models.SeverityHigh
		}
		newAlert(kind, sev)
	}
	if emergency && len(alerts) == 0 {
		newAlert(models.AlertKindConcern, models.SeverityCritical)
	}

	d.sortAlerts(alerts)
	res.Alerts = alerts
	if len(alerts) > 0 {
		slog.Debug("Detector.Detect: alerts detected", "sessionID", in.SessionID, "count", len(alerts), "top", alerts[0].Kind, "severity", alerts[0].Severity)
	}
	return res, nil
}

// sortAlerts orders alerts by severity (highest first), then by kind priority.
func (d *Detector) sortAlerts(alerts []models.Alert) {
	rank := func(k models.AlertKind) int {
		if i := slices.Index(d.opts.KindPriority, k); i >= 0 {
			return i
		}
		return len(d.opts.KindPriority)
	}
	slices.SortStableFunc(alerts, func(a, b models.Alert) int {
		if a.Severity.Rank() != b.Severity.Rank() {
			return b.Severity.Rank() - a.Severity.Rank()
		}
		if ra, rb := rank(a.Kind), rank(b.Kind); ra != rb {
			return ra - rb
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
}

// firstMatch returns the first phrase found in text that is not negated.
func (d *Detector) firstMatch(text string, phrases []phrase) (string, bool) {
	for _, p := range phrases {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if !d.negated(text[:loc[0]]) {
				return p.text, true
			}
		}
	}
	return "", false
}

// firstPresent returns the first phrase found in text, ignoring negation.
func (d *Detector) firstPresent(text string, phrases []phrase) (string, bool) {
	for _, p := range phrases {
		if p.re.MatchString(text) {
			return p.text, true
		}
	}
	return "", false
}

// negated reports whether one of the last few words before a match, within the same
// clause, is a negator.
func (d *Detector) negated(prefix string) bool {
	if i := clauseBreakRe.FindAllStringIndex(prefix, -1); len(i) > 0 {
		prefix = prefix[i[len(i)-1][1]:]
	}
	tokens := tokenRe.FindAllString(prefix, -1)
	start := len(tokens) - negationWindow
	if start < 0 {
		start = 0
	}
	for _, tok := range tokens[start:] {
		if _, ok := d.negators[tok]; ok {
			return true
		}
	}
	return false
}

// ExtractPainScore finds a 0..10 pain rating in an utterance such as "9 out of 10",
// "9/10", "my pain is a nine" or "I'd rate it 6".
func ExtractPainScore(utterance string) (int, bool) {
	text := numberWordRe.ReplaceAllStringFunc(normalize(utterance), func(w string) string {
		return numberWords[w]
	})
	for _, re := range painPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 || n > 10 {
			continue
		}
		return n, true
	}
	return 0, false
}
