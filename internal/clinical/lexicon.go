package clinical

// Lexicon is the phrase list the rule-based detector matches against.
// Phrases are matched case-insensitively on word boundaries.
type Lexicon struct {
	Concern    []string `json:"concern"`
	Mobility   []string `json:"mobility"`
	Wound      []string `json:"wound"`
	Medication []string `json:"medication"`
	// Escalators raise a category alert from moderate to high.
	Escalators []string `json:"escalators"`
	// Emergency phrases raise every alert in the utterance to critical.
	Emergency []string `json:"emergency"`
	// Negators within a few words before a phrase suppress the match.
	Negators []string `json:"negators"`
}

// DefaultLexicon returns a small English lexicon suitable for post-operative check-ins.
func DefaultLexicon() Lexicon {
	return Lexicon{
		Concern: []string{
			"worried", "concerned", "scared", "afraid", "anxious", "nervous",
			"fever", "chills", "nausea", "nauseous", "vomiting", "throwing up",
			"dizzy", "lightheaded", "short of breath", "shortness of breath",
			"swelling", "swollen", "constipated", "can't sleep", "confused",
		},
		Mobility: []string{
			"trouble walking", "difficulty walking", "hard to walk", "can't walk", "cannot walk",
			"unable to walk", "can't stand", "can't get up", "fell", "fallen", "unsteady",
			"stiff", "numb", "numbness",
		},
		Wound: []string{
			"bleeding", "pus", "oozing", "discharge", "redness", "infected", "infection",
			"smells bad", "foul smell", "opened up", "warm to the touch", "stitches came out",
		},
		Medication: []string{
			"missed a dose", "missed my dose", "forgot to take", "forgot my pills", "ran out",
			"side effect", "side effects", "allergic", "rash", "stopped taking", "not taking my",
		},
		Escalators: []string{
			"severe", "severely", "really bad", "very bad", "terrible", "worst", "excruciating",
			"can't", "cannot", "unable", "won't stop", "getting worse",
		},
		Emergency: []string{
			"kill myself", "end my life", "suicide", "suicidal", "hurt myself", "want to die",
			"chest pain", "can't breathe", "cannot breathe", "trouble breathing", "call 911",
			"ambulance", "passed out", "fainted", "overdose", "coughing up blood", "won't stop bleeding",
		},
		Negators: []string{
			"no", "not", "never", "without", "don't", "didn't", "doesn't", "haven't",
			"hasn't", "isn't", "aren't", "wasn't", "nothing", "none",
		},
	}
}
