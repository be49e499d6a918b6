package slots

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/halbridge/halbridge/internal/catalog"
)

var (
	explicitURL = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>]+`)
	domainLike  = regexp.MustCompile(`(?i)^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*\.[a-z]{2,}(/\S*)?$`)
	bareWord    = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9-]*$`)

	errUnresolvableURL = errors.New("cannot resolve a URL from text")
)

// URLResolver turns natural-language page references into URLs using the
// catalog URL table: explicit URLs, domain-like tokens, aliases, bare words
// with the default TLD, and search phrases.
type URLResolver struct {
	table  catalog.URLTable
	search *regexp.Regexp
}

// NewURLResolver compiles the URL table.
func NewURLResolver(table catalog.URLTable) *URLResolver {
	u := &URLResolver{table: table}
	if len(table.SearchTriggers) > 0 {
		quoted := make([]string, len(table.SearchTriggers))
		for i, t := range table.SearchTriggers {
			quoted[i] = regexp.QuoteMeta(t)
		}
		u.search = regexp.MustCompile(`(?i)^(?:` + strings.Join(quoted, "|") + `)\s+(.+)$`)
	}
	return u
}

// Resolve returns an absolute http(s) URL for raw.
func (u *URLResolver) Resolve(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errUnresolvableURL
	}

	if u.search != nil && u.table.SearchTemplate != "" {
		if m := u.search.FindStringSubmatch(s); m != nil {
			query := url.QueryEscape(strings.TrimSpace(m[1]))
			return strings.ReplaceAll(u.table.SearchTemplate, "{query}", query), nil
		}
	}

	if m := explicitURL.FindString(s); m != "" {
		m = strings.TrimRight(m, ".,;:!?)")
		parsed, err := url.Parse(m)
		if err != nil || parsed.Host == "" {
			return "", errUnresolvableURL
		}
		return parsed.String(), nil
	}

	tokens := strings.Fields(strings.ToLower(catalog.Fold(s)))
	for i, tok := range tokens {
		tokens[i] = strings.Trim(tok, ".,;:!?\"'")
	}

	for _, tok := range tokens {
		if target, ok := u.table.Aliases[tok]; ok {
			return target, nil
		}
	}
	for _, tok := range tokens {
		if domainLike.MatchString(tok) {
			return "https://" + tok, nil
		}
	}
	if len(tokens) == 1 && bareWord.MatchString(tokens[0]) && u.table.DefaultTLD != "" {
		return "https://" + tokens[0] + "." + strings.TrimPrefix(u.table.DefaultTLD, "."), nil
	}
	return "", errUnresolvableURL
}
