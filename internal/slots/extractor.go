// Package slots implements the Slot Extractor: it pulls typed parameters
// out of raw text given an intent's slot schema.
//
// Extraction is pure and order-independent across slots: every slot is
// matched against the same cleaned text and never against another slot's
// result. Free-text values (string, path, url) are then cut out of the
// original text so diacritics, spacing and spelling survive untouched.
// A slot ends up present (valid), invalid (failed coercion) or absent.
package slots

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
)

// Extractor is read-only after New and safe for concurrent use.
type Extractor struct {
	norm    *catalog.Normalizer
	urls    *URLResolver
	schemas map[string]*schema
}

type schema struct {
	label    string
	triggers []*regexp.Regexp
	verbatim []*regexp.Regexp
	slots    []compiledSlot
	required []string
}

type compiledSlot struct {
	spec     models.SlotSpec
	re       *regexp.Regexp
	synonyms []synonym
}

type synonym struct {
	canonical string
	word      string
	re        *regexp.Regexp
}

// New compiles the slot schemas of every catalog intent.
func New(c *catalog.Catalog) (*Extractor, error) {
	e := &Extractor{
		norm:    c.Normalizer(),
		urls:    NewURLResolver(c.URL),
		schemas: make(map[string]*schema, len(c.Intents)),
	}
	for i := range c.Intents {
		in := &c.Intents[i]
		sc := &schema{label: in.Label, required: in.RequiredSlots()}
		for _, t := range in.TriggerWords() {
			t = catalog.Fold(t)
			sc.triggers = append(sc.triggers, regexp.MustCompile(`(?i)^`+regexp.QuoteMeta(t)+`\b\s*`))
		}
		for _, v := range in.Verbatim {
			sc.verbatim = append(sc.verbatim, regexp.MustCompile(`(?i)^`+regexp.QuoteMeta(catalog.Fold(v))))
		}
		for _, spec := range in.Slots {
			cs := compiledSlot{spec: spec}
			if spec.Pattern != "" {
				re, err := regexp.Compile(`(?i)` + spec.Pattern)
				if err != nil {
					return nil, fmt.Errorf("intent %s slot %s: %w", in.Label, spec.Name, err)
				}
				cs.re = re
			}
			cs.synonyms = compileSynonyms(spec.Values)
			sc.slots = append(sc.slots, cs)
		}
		e.schemas[in.Label] = sc
	}
	return e, nil
}

func compileSynonyms(values map[string][]string) []synonym {
	canonicals := make([]string, 0, len(values))
	for c := range values {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	var out []synonym
	for _, c := range canonicals {
		words := append([]string{c}, values[c]...)
		for _, w := range words {
			w = strings.ToLower(catalog.Fold(w))
			out = append(out, synonym{
				canonical: c,
				word:      w,
				re:        regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
			})
		}
	}
	return out
}

// Extract fills the slot schema of intent from text. Unknown intents yield
// an empty, complete slot set.
func (e *Extractor) Extract(text, intent string) models.SlotSet {
	set := models.NewSlotSet(intent)
	sc, ok := e.schemas[intent]
	if !ok {
		return set
	}
	set.Required = append(set.Required, sc.required...)

	m := e.norm.CleanMapped(text)
	for _, cs := range sc.slots {
		raw, found := e.capture(sc, cs, m)
		set.Slots[cs.spec.Name] = e.fill(cs, raw, found)
	}
	return set
}

// FromArgs builds a slot set from arguments proposed by the conversational
// model, coercing them through the schema of intent. Arguments the schema
// does not declare are passed through unchanged.
func (e *Extractor) FromArgs(intent string, args map[string]any) models.SlotSet {
	set := models.NewSlotSet(intent)
	sc, ok := e.schemas[intent]
	declared := map[string]bool{}
	if ok {
		set.Required = append(set.Required, sc.required...)
		for _, cs := range sc.slots {
			declared[cs.spec.Name] = true
			v, present := args[cs.spec.Name]
			raw := stringify(v)
			set.Slots[cs.spec.Name] = e.fill(cs, raw, present && raw != "")
		}
	}
	for name, v := range args {
		if declared[name] {
			continue
		}
		set.Slots[name] = models.Slot{
			Name:   name,
			Type:   models.SlotString,
			Status: models.SlotPresent,
			Raw:    stringify(v),
			Value:  v,
		}
	}
	return set
}

// Schema returns the slot specs declared for intent.
func (e *Extractor) Schema(intent string) []models.SlotSpec {
	sc, ok := e.schemas[intent]
	if !ok {
		return nil
	}
	out := make([]models.SlotSpec, len(sc.slots))
	for i, cs := range sc.slots {
		out[i] = cs.spec
	}
	return out
}

func (e *Extractor) capture(sc *schema, cs compiledSlot, m catalog.Mapped) (string, bool) {
	clean := m.Text
	switch {
	case cs.re != nil:
		loc := cs.re.FindStringSubmatchIndex(clean)
		if loc == nil || len(loc) < 4 || loc[2] < 0 {
			return "", false
		}
		return cs.value(m, loc[2], loc[3], " \t")
	case cs.spec.Remainder:
		start, ok := sc.remainderStart(clean, cs.spec.Anchored)
		if !ok {
			return "", false
		}
		cutset := " \t.,;:!?\"'"
		if cs.spec.Type == models.SlotString {
			cutset = " \t"
		}
		return cs.value(m, start, len(clean), cutset)
	case cs.spec.Type == models.SlotEnum:
		return matchEnum(cs.synonyms, clean)
	}
	return "", false
}

// value trims clean[start:end] by cutset and returns it, taken from the
// original text for free-text slot types.
func (cs compiledSlot) value(m catalog.Mapped, start, end int, cutset string) (string, bool) {
	for start < end && strings.IndexByte(cutset, m.Text[start]) >= 0 {
		start++
	}
	for end > start && strings.IndexByte(cutset, m.Text[end-1]) >= 0 {
		end--
	}
	if start == end {
		return "", false
	}
	switch cs.spec.Type {
	case models.SlotString, models.SlotPath, models.SlotURL:
		return m.Source(start, end), true
	}
	return m.Text[start:end], true
}

// remainderStart returns where a remainder value begins in clean. A
// verbatim phrase keeps the whole text; otherwise leading triggers are
// skipped, and an anchored slot needs at least one of them.
func (sc *schema) remainderStart(clean string, anchored bool) (int, bool) {
	for _, re := range sc.verbatim {
		if re.MatchString(clean) {
			return 0, true
		}
	}
	rest := stripTriggers(sc.triggers, clean)
	if anchored && len(rest) == len(clean) {
		return 0, false
	}
	return len(clean) - len(rest), true
}

// stripTriggers removes leading trigger words until none match.
func stripTriggers(triggers []*regexp.Regexp, text string) string {
	for {
		stripped := false
		for _, re := range triggers {
			if loc := re.FindStringIndex(text); loc != nil && loc[1] > 0 {
				text = text[loc[1]:]
				stripped = true
				break
			}
		}
		if !stripped {
			return text
		}
	}
}

// matchEnum returns the canonical value whose synonym occurs earliest in
// text; on equal position the longer synonym wins.
func matchEnum(synonyms []synonym, text string) (string, bool) {
	bestPos, bestLen := -1, 0
	var best string
	for _, s := range synonyms {
		loc := s.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestPos == -1 || loc[0] < bestPos || (loc[0] == bestPos && len(s.word) > bestLen) {
			bestPos, bestLen, best = loc[0], len(s.word), s.canonical
		}
	}
	return best, bestPos >= 0
}

func (e *Extractor) fill(cs compiledSlot, raw string, found bool) models.Slot {
	slot := models.Slot{Name: cs.spec.Name, Type: cs.spec.Type}
	if !found {
		if cs.spec.Default == "" {
			slot.Status = models.SlotAbsent
			return slot
		}
		raw = cs.spec.Default
	}
	slot.Raw = raw

	value, err := e.coerce(cs, raw)
	if err != nil {
		slot.Status = models.SlotInvalid
		slot.Error = err.Error()
		return slot
	}
	slot.Status = models.SlotPresent
	slot.Value = value
	return slot
}

func (e *Extractor) coerce(cs compiledSlot, raw string) (any, error) {
	switch cs.spec.Type {
	case models.SlotNumber:
		f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return f, nil

	case models.SlotDuration:
		return parseDurationMs(raw)

	case models.SlotURL:
		return e.urls.Resolve(raw)

	case models.SlotPath:
		p := strings.Trim(strings.TrimSpace(raw), "\"'")
		if p == "" || strings.ContainsRune(p, 0) {
			return nil, fmt.Errorf("invalid path: %q", raw)
		}
		return p, nil

	case models.SlotEnum:
		want := strings.ToLower(catalog.Fold(strings.TrimSpace(raw)))
		for _, s := range cs.synonyms {
			if s.word == want {
				return s.canonical, nil
			}
		}
		return nil, fmt.Errorf("unknown value %q", raw)

	default:
		return raw, nil
	}
}

// parseDurationMs accepts Go durations ("1.5s", "300ms") and bare
// milliseconds ("300"), returning milliseconds.
func parseDurationMs(raw string) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration: %q", raw)
		}
		return ms, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("not a duration: %q", raw)
	}
	return d.Milliseconds(), nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
