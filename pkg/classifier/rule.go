// Package classifier routes content into cognitive sectors. The rule
// classifier scores keyword signals per sector; a per-user logistic head
// (see logistic.go) can override it once enough feedback has accumulated.
package classifier

import (
	"sort"
	"strings"
	"unicode"
)

// Sector names. These mirror the engine's sector enum; the classifier works
// on plain strings so it stays free of upstream imports.
const (
	Episodic   = "episodic"
	Semantic   = "semantic"
	Procedural = "procedural"
	Emotional  = "emotional"
	Reflective = "reflective"
)

// Sectors lists every sector in canonical order.
var Sectors = []string{Episodic, Semantic, Procedural, Emotional, Reflective}

// signalWeight is the score added per matched signal.
const signalWeight = 0.3

// fallbackConfidence is the semantic score when nothing matches.
const fallbackConfidence = 0.2

// maxConfidence caps accumulated signal scores.
const maxConfidence = 0.95

// Result is one classification outcome.
type Result struct {
	// Primary is the winning sector.
	Primary string

	// Scores holds the per-sector confidence; sectors without signals
	// are absent.
	Scores map[string]float64

	// Confidence is the primary sector's score.
	Confidence float64

	// Keywords are salient content tokens, usable as tags.
	Keywords []string
}

// signals are lowercase substrings voting for a sector. Multi-word entries
// match phrases; single words match whole tokens.
var signals = map[string][]string{
	Episodic: {
		"yesterday", "today", "tomorrow", "remember", "happened", "went",
		"last week", "last night", "this morning", "ago", "met", "visited",
		"when i", "that time",
	},
	Procedural: {
		"how to", "step", "first", "then", "next", "finally", "install",
		"configure", "run", "build", "deploy", "process", "procedure",
		"instructions", "recipe",
	},
	Emotional: {
		"love", "hate", "feel", "felt", "happy", "sad", "angry", "excited",
		"afraid", "scared", "anxious", "frustrat", "joy", "worried", "proud",
	},
	Reflective: {
		"i think", "i believe", "i realize", "i realized", "lesson",
		"learned that", "insight", "reflect", "in hindsight", "looking back",
		"i wonder", "it seems that",
	},
	Semantic: {
		"is a", "are a", "means", "defined", "consists", "always", "never",
		"fact", "capital of", "known as",
	},
}

// RuleClassifier scores content against per-sector keyword signals.
type RuleClassifier struct{}

// NewRuleClassifier creates the keyword classifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

// Classify scores content for every sector. When no signal fires the
// content falls back to semantic at low confidence.
func (c *RuleClassifier) Classify(content string) *Result {
	lower := strings.ToLower(content)
	tokens := tokenSet(lower)

	scores := make(map[string]float64)
	for sector, sigs := range signals {
		var score float64
		for _, sig := range sigs {
			if strings.ContainsRune(sig, ' ') || strings.HasSuffix(sig, "frustrat") {
				if strings.Contains(lower, sig) {
					score += signalWeight
				}
			} else if tokens[sig] {
				score += signalWeight
			}
		}
		if score > maxConfidence {
			score = maxConfidence
		}
		if score > 0 {
			scores[sector] = score
		}
	}

	primary := Semantic
	confidence := fallbackConfidence
	best := 0.0
	for _, sector := range Sectors {
		if s := scores[sector]; s > best {
			best = s
			primary = sector
			confidence = s
		}
	}
	if len(scores) == 0 {
		scores[Semantic] = fallbackConfidence
	}

	return &Result{
		Primary:    primary,
		Scores:     scores,
		Confidence: confidence,
		Keywords:   Keywords(content, 5),
	}
}

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "my": true, "your": true, "his": true, "her": true, "its": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "that": true, "this": true, "these": true, "those": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"not": true, "no": true, "so": true, "if": true, "as": true, "by": true,
	"from": true, "about": true, "into": true, "than": true, "then": true,
	"very": true, "just": true, "can": true, "will": true, "would": true,
}

// Keywords extracts up to max salient tokens by frequency, ties broken by
// first appearance.
func Keywords(content string, max int) []string {
	counts := make(map[string]int)
	order := make(map[string]int)
	idx := 0
	for _, tok := range Tokenize(content) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		if _, ok := counts[tok]; !ok {
			order[tok] = idx
			idx++
		}
		counts[tok]++
	}

	out := make([]string, 0, len(counts))
	for tok := range counts {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return order[out[i]] < order[out[j]]
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}
