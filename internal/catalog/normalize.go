package catalog

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ── Normalizer ──────────────────────────────────────────────

// Normalizer folds diacritics, collapses whitespace and repairs common
// misspellings. It is safe for concurrent use.
type Normalizer struct {
	fixes []spellingFix
}

type spellingFix struct {
	re   *regexp.Regexp
	with string
}

// Normalizer builds a normalizer from the catalog spelling table.
func (c *Catalog) Normalizer() *Normalizer {
	return NewNormalizer(c.Spelling)
}

// NewNormalizer builds a normalizer for the given misspelling → fix table.
func NewNormalizer(spelling map[string]string) *Normalizer {
	words := make([]string, 0, len(spelling))
	for w := range spelling {
		words = append(words, w)
	}
	sort.Strings(words)

	n := &Normalizer{}
	for _, w := range words {
		n.fixes = append(n.fixes, spellingFix{
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(Fold(w)) + `\b`),
			with: spelling[w],
		})
	}
	return n
}

// Clean folds diacritics, collapses whitespace and applies spelling fixes
// while preserving case.
func (n *Normalizer) Clean(text string) string {
	return n.CleanMapped(text).Text
}

// Mapped is cleaned text that remembers which bytes of the source text
// produced it, so a match in Text can be cut out of the untouched source.
type Mapped struct {
	Text string

	src string
	// pos[i] is the source offset of the rune that produced Text[i];
	// pos[len(Text)] is the end of the last kept rune.
	pos []int
}

// CleanMapped is Clean with source offsets.
func (n *Normalizer) CleanMapped(text string) Mapped {
	var b strings.Builder
	pos := make([]int, 0, len(text)+1)
	end := 0
	pendingSpace := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if b.Len() > 0 && pendingSpace < 0 {
				pendingSpace = i
			}
			continue
		}
		folded := Fold(string(r))
		if folded == "" {
			// A lone combining mark belongs to the rune before it.
			if b.Len() > 0 && pendingSpace < 0 {
				end = i + utf8.RuneLen(r)
			}
			continue
		}
		if pendingSpace >= 0 {
			b.WriteByte(' ')
			pos = append(pos, pendingSpace)
			pendingSpace = -1
		}
		b.WriteString(folded)
		for k := 0; k < len(folded); k++ {
			pos = append(pos, i)
		}
		end = i + utf8.RuneLen(r)
	}
	m := Mapped{Text: b.String(), src: text, pos: append(pos, end)}
	for _, f := range n.fixes {
		m = m.replace(f)
	}
	return m
}

func (m Mapped) replace(f spellingFix) Mapped {
	matches := f.re.FindAllStringIndex(m.Text, -1)
	if matches == nil {
		return m
	}
	var b strings.Builder
	pos := make([]int, 0, len(m.pos))
	last := 0
	for _, loc := range matches {
		b.WriteString(m.Text[last:loc[0]])
		pos = append(pos, m.pos[last:loc[0]]...)
		b.WriteString(f.with)
		for k := 0; k < len(f.with); k++ {
			pos = append(pos, m.pos[loc[0]])
		}
		last = loc[1]
	}
	b.WriteString(m.Text[last:])
	pos = append(pos, m.pos[last:]...)
	return Mapped{Text: b.String(), src: m.src, pos: pos}
}

// Source returns the source text that produced Text[start:end].
func (m Mapped) Source(start, end int) string {
	if start < 0 || end > len(m.Text) || start >= end {
		return ""
	}
	return m.src[m.pos[start]:m.pos[end]]
}

// Normalize is Clean plus lowercasing. Intent keywords match against it.
func (n *Normalizer) Normalize(text string) string {
	return strings.ToLower(n.Clean(text))
}

// Fold strips combining marks (ą→a, ó→o) and maps letters NFD cannot
// decompose (ł→l).
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), runes.Map(foldRune), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

func foldRune(r rune) rune {
	switch r {
	case 'ł':
		return 'l'
	case 'Ł':
		return 'L'
	case 'ø':
		return 'o'
	case 'Ø':
		return 'O'
	case 'đ':
		return 'd'
	case 'Đ':
		return 'D'
	}
	return r
}
