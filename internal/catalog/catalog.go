// Package catalog holds the versioned agent configuration of halbridge:
// the intent lexicon, per-intent slot schemas and routing table, capability
// success criteria, guardrail rules and the lookup tables (spelling fixes,
// URL aliases, clarification prompts, devices) consumed by the pipeline.
//
// The catalog is loaded once at process start, validated, and read-only
// thereafter. When no file is configured the embedded default is used;
// a user file replaces the default entirely.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/halbridge/halbridge/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Success predicate kinds.
const (
	SuccessOK          = "ok"
	SuccessDeviceState = "device_state"
	SuccessMinText     = "min_text"
	SuccessExitCode    = "exit_code"
	SuccessNonEmpty    = "nonempty"
)

// Catalog is the parsed agent configuration.
type Catalog struct {
	Version      int                      `yaml:"version" json:"version"`
	Spelling     map[string]string        `yaml:"spelling" json:"spelling,omitempty"`
	Prompts      map[string]string        `yaml:"prompts" json:"prompts,omitempty"`
	URL          URLTable                 `yaml:"url" json:"url"`
	Devices      map[string]Device        `yaml:"devices" json:"devices,omitempty"`
	Capabilities map[string]CapabilityDef `yaml:"capabilities" json:"capabilities"`
	Intents      []IntentDef              `yaml:"intents" json:"intents"`
	Guardrails   []models.GuardrailRule   `yaml:"guardrails" json:"guardrails"`

	byLabel map[string]*IntentDef
}

// IntentDef declares one structured intent.
type IntentDef struct {
	Label         string            `yaml:"label" json:"label"`
	Description   string            `yaml:"description" json:"description,omitempty"`
	Keywords      []string          `yaml:"keywords" json:"keywords"`
	Patterns      []PatternDef      `yaml:"patterns" json:"patterns,omitempty"`
	Triggers      []string          `yaml:"triggers" json:"triggers,omitempty"`
	Verbatim      []string          `yaml:"verbatim" json:"verbatim,omitempty"`
	Slots         []models.SlotSpec `yaml:"slots" json:"slots"`
	Capability    string            `yaml:"capability" json:"capability"`
	Alternates    []string          `yaml:"alternates" json:"alternates,omitempty"`
	AcceptPartial bool              `yaml:"accept_partial" json:"accept_partial"`
	MaxAttempts   int               `yaml:"max_attempts" json:"max_attempts,omitempty"`
}

// PatternDef is a regex fallback with its own confidence.
type PatternDef struct {
	Regex      string  `yaml:"regex" json:"regex"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// CapabilityDef carries per-capability execution settings.
type CapabilityDef struct {
	TimeoutMs int64           `yaml:"timeout_ms" json:"timeout_ms,omitempty"`
	Success   SuccessCriteria `yaml:"success" json:"success"`
}

// SuccessCriteria is the predicate the Result Analyzer applies.
// Field names the payload key inspected; Slot names the requested argument
// compared against it (device_state).
type SuccessCriteria struct {
	Kind      string `yaml:"kind" json:"kind"`
	Field     string `yaml:"field" json:"field,omitempty"`
	Slot      string `yaml:"slot" json:"slot,omitempty"`
	MinLength int    `yaml:"min_length" json:"min_length,omitempty"`
}

// URLTable drives natural-language to URL resolution.
type URLTable struct {
	DefaultTLD     string            `yaml:"default_tld" json:"default_tld"`
	SearchTemplate string            `yaml:"search_template" json:"search_template"`
	SearchTriggers []string          `yaml:"search_triggers" json:"search_triggers"`
	Aliases        map[string]string `yaml:"aliases" json:"aliases"`
}

// Device describes one switchable device known to the hardware bridge.
type Device struct {
	Name       string `yaml:"name" json:"name"`
	Host       string `yaml:"host" json:"host"`
	Channel    int    `yaml:"channel" json:"channel"`
	OnCommand  string `yaml:"on_command" json:"on_command,omitempty"`
	OffCommand string `yaml:"off_command" json:"off_command,omitempty"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every intent is routable and every pattern and
// guardrail rule compiles. It also builds the label index.
func (c *Catalog) Validate() error {
	c.byLabel = make(map[string]*IntentDef, len(c.Intents))
	for i := range c.Intents {
		in := &c.Intents[i]
		if in.Label == "" {
			return fmt.Errorf("intent #%d: missing label", i)
		}
		if in.Label == models.IntentNone {
			return fmt.Errorf("intent %s: label is reserved", in.Label)
		}
		if _, dup := c.byLabel[in.Label]; dup {
			return fmt.Errorf("intent %s: duplicate label", in.Label)
		}
		if in.Capability == "" {
			return fmt.Errorf("intent %s: missing capability", in.Label)
		}
		for _, p := range in.Patterns {
			if _, err := regexp.Compile(p.Regex); err != nil {
				return fmt.Errorf("intent %s: pattern %q: %w", in.Label, p.Regex, err)
			}
			if p.Confidence < 0 || p.Confidence > 1 {
				return fmt.Errorf("intent %s: pattern %q: confidence %v out of range", in.Label, p.Regex, p.Confidence)
			}
		}
		seen := make(map[string]bool, len(in.Slots))
		for _, s := range in.Slots {
			if seen[s.Name] {
				return fmt.Errorf("intent %s: duplicate slot %q", in.Label, s.Name)
			}
			seen[s.Name] = true
			if err := validateSlot(s); err != nil {
				return fmt.Errorf("intent %s: %w", in.Label, err)
			}
		}
		c.byLabel[in.Label] = in
	}

	for i, r := range c.Guardrails {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("guardrail #%d (%s): %w", i, r.Name, err)
		}
	}

	for name, def := range c.Capabilities {
		switch def.Success.Kind {
		case "", SuccessOK, SuccessDeviceState, SuccessMinText, SuccessExitCode, SuccessNonEmpty:
		default:
			return fmt.Errorf("capability %s: unknown success kind %q", name, def.Success.Kind)
		}
	}
	return nil
}

func validateSlot(s models.SlotSpec) error {
	if s.Name == "" {
		return fmt.Errorf("slot with empty name")
	}
	switch s.Type {
	case models.SlotString, models.SlotNumber, models.SlotDuration, models.SlotURL, models.SlotPath:
	case models.SlotEnum:
		if len(s.Values) == 0 {
			return fmt.Errorf("slot %s: enum without values", s.Name)
		}
	default:
		return fmt.Errorf("slot %s: unknown type %q", s.Name, s.Type)
	}
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("slot %s: pattern: %w", s.Name, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("slot %s: pattern needs a capture group", s.Name)
		}
	}
	if s.Anchored && !s.Remainder {
		return fmt.Errorf("slot %s: anchored without remainder", s.Name)
	}
	if s.Type == models.SlotDuration && s.Default != "" {
		if _, err := time.ParseDuration(s.Default); err != nil {
			return fmt.Errorf("slot %s: default: %w", s.Name, err)
		}
	}
	return nil
}

func validateRule(r models.GuardrailRule) error {
	if r.Name == "" {
		return fmt.Errorf("missing name")
	}
	if r.Effect != models.GuardrailBlock && r.Effect != models.GuardrailAllow {
		return fmt.Errorf("unknown effect %q", r.Effect)
	}
	switch r.Kind {
	case models.GuardrailKeyword:
		if len(r.Keywords) == 0 {
			return fmt.Errorf("keyword rule without keywords")
		}
	case models.GuardrailRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
	case models.GuardrailMaxLength:
		if r.MaxLength <= 0 {
			return fmt.Errorf("max_length must be positive")
		}
	case models.GuardrailPromptInjection:
	case models.GuardrailExpr:
		if _, err := expr.Compile(r.Expr, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			return fmt.Errorf("expr: %w", err)
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	return nil
}

// Intent returns the definition for label.
func (c *Catalog) Intent(label string) (*IntentDef, bool) {
	in, ok := c.byLabel[label]
	return in, ok
}

// Labels returns the intent labels in priority order.
func (c *Catalog) Labels() []string {
	out := make([]string, 0, len(c.Intents))
	for _, in := range c.Intents {
		out = append(out, in.Label)
	}
	return out
}

// Capability returns the settings of a capability (zero value when unset).
func (c *Catalog) Capability(name string) CapabilityDef {
	return c.Capabilities[name]
}

// Prompt returns the clarification question for a slot.
func (c *Catalog) Prompt(slot string) string {
	if p, ok := c.Prompts[slot]; ok && p != "" {
		return p
	}
	return "Missing parameter: " + slot
}

// Device returns the device registered under id (e.g. "2").
func (c *Catalog) Device(id string) (Device, bool) {
	d, ok := c.Devices[strings.TrimSpace(id)]
	return d, ok
}

// TriggerWords returns the leading words stripped for remainder slots,
// longest first. Intents without explicit triggers use their keywords.
func (in *IntentDef) TriggerWords() []string {
	words := in.Triggers
	if len(words) == 0 {
		words = in.Keywords
	}
	out := append([]string(nil), words...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// RequiredSlots lists the names of required slots.
func (in *IntentDef) RequiredSlots() []string {
	var out []string
	for _, s := range in.Slots {
		if s.Required {
			out = append(out, s.Name)
		}
	}
	return out
}
