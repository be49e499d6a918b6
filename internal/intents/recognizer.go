// Package intents implements the Intent Recognizer: it classifies raw text
// into a structured intent label with a confidence score, or
// conversation.none when no intent clears the threshold.
//
// Classification is a deterministic function of the catalog and the text.
// A keyword hit scores KeywordConfidence; regex fallbacks score their
// configured confidence. The best score wins and ties go to the intent
// listed first in the catalog.
package intents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// KeywordConfidence is the score of a lexicon keyword hit.
	KeywordConfidence = 0.9

	// DefaultThreshold is T_min, the minimum confidence of a structured intent.
	DefaultThreshold = 0.5
)

// Recognizer classifies utterances. It is read-only after New and safe
// for concurrent use.
type Recognizer struct {
	norm      *catalog.Normalizer
	threshold float64
	routable  func(label string) bool
	entries   []entry
}

type entry struct {
	label    string
	keywords []*regexp.Regexp
	patterns []pattern
}

type pattern struct {
	re         *regexp.Regexp
	confidence float64
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithThreshold overrides T_min.
func WithThreshold(t float64) Option {
	return func(r *Recognizer) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// WithRoutable installs the check used to demote labels that have no
// registered capability. Typically router.Router.Routable.
func WithRoutable(fn func(label string) bool) Option {
	return func(r *Recognizer) { r.routable = fn }
}

// New compiles the catalog lexicon.
func New(c *catalog.Catalog, opts ...Option) (*Recognizer, error) {
	r := &Recognizer{
		norm:      c.Normalizer(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, in := range c.Intents {
		e := entry{label: in.Label}
		for _, kw := range in.Keywords {
			kw = r.norm.Normalize(kw)
			if kw == "" {
				continue
			}
			e.keywords = append(e.keywords, regexp.MustCompile(`\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		for _, p := range in.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("intent %s: %w", in.Label, err)
			}
			e.patterns = append(e.patterns, pattern{re: re, confidence: p.Confidence})
		}
		r.entries = append(r.entries, e)
	}
	return r, nil
}

// Threshold returns T_min.
func (r *Recognizer) Threshold() float64 { return r.threshold }

// Recognize classifies text. It never fails: empty or malformed text is
// conversation with confidence 1.0.
func (r *Recognizer) Recognize(text string) models.Intent {
	normalized := r.norm.Normalize(text)
	if strings.TrimSpace(normalized) == "" {
		return models.Intent{Label: models.IntentNone, Confidence: 1.0}
	}

	best := models.Intent{Label: models.IntentNone}
	for _, e := range r.entries {
		if score := e.score(normalized); score > best.Confidence {
			best = models.Intent{Label: e.label, Confidence: score}
		}
	}

	if best.Confidence < r.threshold {
		return models.Intent{Label: models.IntentNone, Confidence: 1 - best.Confidence}
	}

	if r.routable != nil && !r.routable(best.Label) {
		log.Warn().
			Str("intent", best.Label).
			Float64("confidence", best.Confidence).
			Msg("Recognized intent has no capability, treating as conversation")
		return models.Intent{Label: models.IntentNone, Confidence: 1 - best.Confidence}
	}
	return best
}

func (e entry) score(text string) float64 {
	var score float64
	for _, kw := range e.keywords {
		if kw.MatchString(text) {
			score = KeywordConfidence
			break
		}
	}
	for _, p := range e.patterns {
		if p.confidence > score && p.re.MatchString(text) {
			score = p.confidence
		}
	}
	return score
}
