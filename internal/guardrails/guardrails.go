// Package guardrails is the Guardrail Filter. It evaluates a proposed action
// (capability + args) against a static, ordered rule list loaded at startup.
//
// Supported rule kinds:
//   - keyword: phrase blocklist (case and diacritic insensitive)
//   - regex: custom regex pattern matching
//   - max_length: character limit on the action text
//   - prompt_injection: heuristic prompt injection detection
//   - expr: boolean expression over capability, args and subject
//
// Semantics are deny-first: the first matching block rule wins and no allow
// rule, earlier or later, can override it. No matching rule means allow.
package guardrails

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Filter is the compiled rule set. It is read-only after New and safe for
// concurrent use.
type Filter struct {
	rules []compiledRule
}

type compiledRule struct {
	models.GuardrailRule
	keywords []string
	re       *regexp.Regexp
	program  *vm.Program
}

// New compiles rules in order. A rule that does not compile is an error;
// rule sets are validated at load time.
func New(rules []models.GuardrailRule) (*Filter, error) {
	f := &Filter{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		cr := compiledRule{GuardrailRule: r}
		if cr.AppliesTo == "" {
			cr.AppliesTo = "*"
		}
		if _, err := path.Match(cr.AppliesTo, ""); err != nil {
			return nil, fmt.Errorf("guardrail %s: applies_to %q: %w", r.Name, r.AppliesTo, err)
		}
		switch r.Kind {
		case models.GuardrailKeyword:
			for _, k := range r.Keywords {
				cr.keywords = append(cr.keywords, fold(k))
			}
		case models.GuardrailRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("guardrail %s: pattern: %w", r.Name, err)
			}
			cr.re = re
		case models.GuardrailExpr:
			program, err := expr.Compile(r.Expr, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("guardrail %s: expr: %w", r.Name, err)
			}
			cr.program = program
		case models.GuardrailMaxLength, models.GuardrailPromptInjection:
		default:
			return nil, fmt.Errorf("guardrail #%d (%s): unknown kind %q", i, r.Name, r.Kind)
		}
		f.rules = append(f.rules, cr)
	}
	return f, nil
}

// Rules returns the configured rules in evaluation order.
func (f *Filter) Rules() []models.GuardrailRule {
	out := make([]models.GuardrailRule, len(f.rules))
	for i, r := range f.rules {
		out[i] = r.GuardrailRule
	}
	return out
}

// Check decides whether capability may run with args.
func (f *Filter) Check(capability string, args map[string]any) models.GuardrailDecision {
	subject := Subject(args)
	decision := models.GuardrailDecision{Allowed: true}

	for _, r := range f.rules {
		if ok, _ := path.Match(r.AppliesTo, capability); !ok {
			continue
		}
		matched, reason := r.match(capability, args, subject)
		if !matched {
			continue
		}
		if r.Effect == models.GuardrailAllow {
			decision.Allows = append(decision.Allows, r.Name)
			continue
		}
		if r.Message != "" {
			reason = r.Message
		}
		log.Warn().
			Str("capability", capability).
			Str("rule", r.Name).
			Str("reason", reason).
			Msg("🛡️ Guardrail blocked action")
		return models.GuardrailDecision{
			Allowed: false,
			Rule:    r.Name,
			Reason:  reason,
			Allows:  decision.Allows,
		}
	}
	return decision
}

// Subject is the text rules inspect: string-like args joined in key order.
func Subject(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			parts = append(parts, v)
		case fmt.Stringer:
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, " ")
}

func (r compiledRule) match(capability string, args map[string]any, subject string) (bool, string) {
	switch r.Kind {
	case models.GuardrailKeyword:
		return matchKeywords(r.keywords, subject)
	case models.GuardrailRegex:
		if r.re.MatchString(subject) {
			return true, "matched pattern " + r.Pattern
		}
	case models.GuardrailMaxLength:
		if utf8.RuneCountInString(subject) > r.MaxLength {
			return true, fmt.Sprintf("exceeds maximum length %d", r.MaxLength)
		}
	case models.GuardrailPromptInjection:
		return matchPromptInjection(subject, r.Sensitivity)
	case models.GuardrailExpr:
		return r.eval(capability, args, subject)
	}
	return false, ""
}

// ── Keyword ─────────────────────────────────────────────────

func matchKeywords(keywords []string, subject string) (bool, string) {
	text := fold(subject)
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true, "contains prohibited phrase: " + k
		}
	}
	return false, ""
}

func fold(s string) string {
	return strings.ToLower(catalog.Fold(s))
}

// ── Expr ────────────────────────────────────────────────────

// eval runs an expr rule. Runtime errors fail closed: a block rule that
// cannot be evaluated matches.
func (r compiledRule) eval(capability string, args map[string]any, subject string) (bool, string) {
	env := map[string]any{
		"capability": capability,
		"args":       args,
		"subject":    subject,
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		log.Error().Err(err).Str("rule", r.Name).Msg("Guardrail expression failed")
		return r.Effect == models.GuardrailBlock, "rule could not be evaluated"
	}
	matched, _ := out.(bool)
	if matched {
		return true, "matched expression " + r.Expr
	}
	return false, ""
}

// ── Prompt Injection Detection ──────────────────────────────
// Heuristic-based detection of common prompt injection patterns.
// Sensitivity: "high" | "medium" (default) | "low"

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

// Additional high-sensitivity patterns
var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

func matchPromptInjection(text, sensitivity string) (bool, string) {
	if sensitivity == "" {
		sensitivity = "medium"
	}
	patterns := injectionPatterns
	if sensitivity == "low" {
		patterns = injectionPatterns[:3]
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true, "potential prompt injection detected"
		}
	}
	if sensitivity == "high" {
		for _, re := range highSensitivityPatterns {
			if re.MatchString(text) {
				return true, "potential prompt injection detected (high sensitivity)"
			}
		}
	}
	return false, ""
}
