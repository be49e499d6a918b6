// Package models defines the shared data model of the halbridge command
// pipeline: utterances, intents, slots, routing decisions, invocations,
// outcomes, verdicts and retry decisions, plus the wire types used by the
// HTTP API, the event bus and the MCP gateway.
package models

import (
	"encoding/json"
	"sort"
	"time"
)

// ── Utterance ────────────────────────────────────────────────

// Utterance is one immutable user turn.
type Utterance struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
}

// ── Intent ───────────────────────────────────────────────────

// IntentNone labels ordinary conversation.
const IntentNone = "conversation.none"

// Intent is the classified purpose of an utterance.
type Intent struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// IsNone reports whether the intent is plain conversation.
func (i Intent) IsNone() bool {
	return i.Label == "" || i.Label == IntentNone
}

// ── Slots ────────────────────────────────────────────────────

// SlotType is the declared type of a slot.
type SlotType string

const (
	SlotString   SlotType = "string"
	SlotNumber   SlotType = "number"
	SlotDuration SlotType = "duration"
	SlotURL      SlotType = "url"
	SlotPath     SlotType = "path"
	SlotEnum     SlotType = "enum"
)

// SlotStatus tracks whether a slot was filled and validated.
type SlotStatus string

const (
	SlotPresent SlotStatus = "present"
	SlotInvalid SlotStatus = "invalid"
	SlotAbsent  SlotStatus = "absent"
)

// SlotSpec declares one parameter of an intent schema.
type SlotSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Type        SlotType `json:"type" yaml:"type"`
	Required    bool     `json:"required" yaml:"required"`
	Default     string   `json:"default,omitempty" yaml:"default,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	// Pattern is a regular expression whose first capture group holds the raw value.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Values maps canonical enum values to their synonyms.
	Values map[string][]string `json:"values,omitempty" yaml:"values,omitempty"`

	// Remainder takes the text left after stripping leading trigger words.
	Remainder bool `json:"remainder,omitempty" yaml:"remainder,omitempty"`

	// Anchored makes a remainder slot absent unless a trigger word or a
	// verbatim phrase opens the text.
	Anchored bool `json:"anchored,omitempty" yaml:"anchored,omitempty"`
}

// Slot is one extracted parameter. Value holds the coerced value:
// float64 for numbers, int64 milliseconds for durations, string otherwise.
type Slot struct {
	Name   string     `json:"name"`
	Type   SlotType   `json:"type"`
	Status SlotStatus `json:"status"`
	Raw    string     `json:"raw,omitempty"`
	Value  any        `json:"value,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// SlotSet is the result of slot extraction for a single intent.
type SlotSet struct {
	Intent   string          `json:"intent"`
	Slots    map[string]Slot `json:"slots"`
	Required []string        `json:"required,omitempty"`
}

// NewSlotSet returns an empty slot set for intent.
func NewSlotSet(intent string) SlotSet {
	return SlotSet{Intent: intent, Slots: make(map[string]Slot)}
}

// Get returns the slot with the given name.
func (s SlotSet) Get(name string) (Slot, bool) {
	slot, ok := s.Slots[name]
	return slot, ok
}

// Missing lists required slots that are absent or invalid, sorted by name.
// Invalid slots count as missing for routing purposes.
func (s SlotSet) Missing() []string {
	var missing []string
	for _, name := range s.Required {
		slot, ok := s.Slots[name]
		if !ok || slot.Status != SlotPresent {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Complete reports whether every required slot is present and valid.
func (s SlotSet) Complete() bool {
	return len(s.Missing()) == 0
}

// Args returns the values of all present slots.
func (s SlotSet) Args() map[string]any {
	args := make(map[string]any, len(s.Slots))
	for name, slot := range s.Slots {
		if slot.Status == SlotPresent {
			args[name] = slot.Value
		}
	}
	return args
}

// ── Capabilities ─────────────────────────────────────────────

// CapabilityClarify is the built-in capability that asks the user for missing slots.
const CapabilityClarify = "dialog.clarify"

// CapabilitySpec describes a registered capability.
type CapabilitySpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	TimeoutMs   int64      `json:"timeout_ms"`
	Params      []SlotSpec `json:"params,omitempty"`
}

// InputSchema renders Params as a JSON Schema object for tool-calling
// models and MCP clients.
func (c CapabilitySpec) InputSchema() map[string]any {
	props := make(map[string]any, len(c.Params))
	required := []string{}
	for _, p := range c.Params {
		prop := map[string]any{"type": "string"}
		switch p.Type {
		case SlotNumber:
			prop["type"] = "number"
		case SlotDuration:
			prop["description"] = "milliseconds or a duration such as 500ms, 2s"
		case SlotURL:
			prop["description"] = "URL, domain or site name"
		case SlotEnum:
			values := make([]string, 0, len(p.Values))
			for v := range p.Values {
				values = append(values, v)
			}
			sort.Strings(values)
			prop["enum"] = values
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != "" {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ── Routing ──────────────────────────────────────────────────

// Decision sources.
const (
	SourceRecognizer = "recognizer"
	SourceModel      = "model"
)

// RoutingDecision is produced once per utterance and is immutable once
// handed to the Execution Engine. FallbackChain starts with Capability.
type RoutingDecision struct {
	ID            string    `json:"id"`
	UtteranceID   string    `json:"utterance_id"`
	Intent        string    `json:"intent"`
	Capability    string    `json:"capability"`
	Args          SlotSet   `json:"args"`
	FallbackChain []string  `json:"fallback_chain"`
	Missing       []string  `json:"missing,omitempty"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsClarification reports whether the decision asks for missing slots.
func (d *RoutingDecision) IsClarification() bool {
	return d.Capability == CapabilityClarify
}

// ── Invocation & Outcome ─────────────────────────────────────

// ToolInvocation is one execution attempt.
type ToolInvocation struct {
	DecisionID string         `json:"decision_id"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	Attempt    int            `json:"attempt"`
	StartedAt  time.Time      `json:"started_at"`
	TimeoutMs  int64          `json:"timeout_ms"`
}

// HandlerResult is the shape every handler returns.
type HandlerResult struct {
	OK      bool           `json:"ok"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OutcomeKind is the internal vocabulary for how an invocation ended.
type OutcomeKind string

const (
	OutcomeCompleted          OutcomeKind = "completed"
	OutcomeHandlerError       OutcomeKind = "handler_error"
	OutcomeTimeout            OutcomeKind = "timeout"
	OutcomeGuardrailBlocked   OutcomeKind = "guardrail_blocked"
	OutcomeCapabilityNotFound OutcomeKind = "capability_not_found"
	OutcomeCanceled           OutcomeKind = "canceled"
)

// ExecutionOutcome is the raw result of one invocation.
type ExecutionOutcome struct {
	Invocation ToolInvocation     `json:"invocation"`
	Kind       OutcomeKind        `json:"kind"`
	Result     *HandlerResult     `json:"result,omitempty"`
	Err        string             `json:"error,omitempty"`
	Guardrail  *GuardrailDecision `json:"guardrail,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

// ── Verdict ──────────────────────────────────────────────────

// VerdictStatus classifies an outcome.
type VerdictStatus string

const (
	VerdictSuccess VerdictStatus = "success"
	VerdictPartial VerdictStatus = "partial"
	VerdictFailure VerdictStatus = "failure"
)

// Verdict is the Result Analyzer's classification of an outcome.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Reason string        `json:"reason"`
	Code   ErrorCode     `json:"code,omitempty"`
}

// ── Self-Heal ────────────────────────────────────────────────

// RetryAction is what the Self-Heal Controller does next.
type RetryAction string

const (
	RetryResolve  RetryAction = "resolve"
	RetryRetry    RetryAction = "retry"
	RetryEscalate RetryAction = "escalate"
	RetryGiveUp   RetryAction = "give_up"
)

// RetryDecision is produced after every verdict.
type RetryDecision struct {
	Action         RetryAction `json:"action"`
	Capability     string      `json:"capability"`
	NextCapability string      `json:"next_capability,omitempty"`
	NextAttempt    int         `json:"next_attempt,omitempty"`
	BackoffMs      int64       `json:"backoff_ms"`
}

// HealState is a state of the per-decision self-heal state machine.
type HealState string

const (
	HealAttempting HealState = "attempting"
	HealRetrying   HealState = "retrying"
	HealEscalating HealState = "escalating"
	HealResolved   HealState = "resolved"
	HealExhausted  HealState = "exhausted"
)

// Terminal reports whether the state ends the state machine.
func (s HealState) Terminal() bool {
	return s == HealResolved || s == HealExhausted
}

// AttemptRecord is the diagnostic history entry for one attempt.
type AttemptRecord struct {
	Capability string      `json:"capability"`
	Attempt    int         `json:"attempt"`
	Outcome    OutcomeKind `json:"outcome"`
	Verdict    Verdict     `json:"verdict"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMs int64       `json:"duration_ms"`
}

// Resolution is the final state of one routing decision.
type Resolution struct {
	DecisionID string          `json:"decision_id"`
	Intent     string          `json:"intent"`
	State      HealState       `json:"state"`
	Capability string          `json:"capability"`
	Verdict    Verdict         `json:"verdict"`
	Attempts   []AttemptRecord `json:"attempts"`
	Decisions  []RetryDecision `json:"decisions"`
	Reasons    []string        `json:"reasons,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
}

// ── Guardrails ───────────────────────────────────────────────

// GuardrailEffect is what a matching rule does.
type GuardrailEffect string

const (
	GuardrailBlock GuardrailEffect = "block"
	GuardrailAllow GuardrailEffect = "allow"
)

// GuardrailKind identifies the predicate a rule uses.
type GuardrailKind string

const (
	GuardrailKeyword         GuardrailKind = "keyword"
	GuardrailRegex           GuardrailKind = "regex"
	GuardrailMaxLength       GuardrailKind = "max_length"
	GuardrailPromptInjection GuardrailKind = "prompt_injection"
	GuardrailExpr            GuardrailKind = "expr"
)

// GuardrailRule is one static safety rule. AppliesTo is a capability glob
// ("*", "system.*", "file.write").
type GuardrailRule struct {
	Name        string          `json:"name" yaml:"name"`
	Kind        GuardrailKind   `json:"kind" yaml:"kind"`
	Effect      GuardrailEffect `json:"effect" yaml:"effect"`
	AppliesTo   string          `json:"applies_to" yaml:"applies_to"`
	Keywords    []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern     string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MaxLength   int             `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Expr        string          `json:"expr,omitempty" yaml:"expr,omitempty"`
	Sensitivity string          `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	Message     string          `json:"message,omitempty" yaml:"message,omitempty"`
}

// GuardrailDecision is the filter's answer for one invocation.
type GuardrailDecision struct {
	Allowed bool     `json:"allowed"`
	Rule    string   `json:"rule,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Allows  []string `json:"allows,omitempty"`
}

// ── Conversation ─────────────────────────────────────────────

// ChatMessage is one message of a conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCallRequest is a capability proposed by the conversational model.
type ToolCallRequest struct {
	ID         string         `json:"id,omitempty"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// ModelReply is either plain text or a tool-call request.
type ModelReply struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
}

// Session holds a conversation history.
type Session struct {
	ID        string        `json:"id"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ── Pipeline Response ────────────────────────────────────────

// ResponseKind tells the caller how the utterance was handled.
type ResponseKind string

const (
	ResponseConversation  ResponseKind = "conversation"
	ResponseClarification ResponseKind = "clarification"
	ResponseAction        ResponseKind = "action"
)

// Response is the final outcome of processing one utterance.
type Response struct {
	ID          string           `json:"id"`
	UtteranceID string           `json:"utterance_id"`
	SessionID   string           `json:"session_id,omitempty"`
	Kind        ResponseKind     `json:"kind"`
	Intent      Intent           `json:"intent"`
	Decision    *RoutingDecision `json:"decision,omitempty"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
	Message     string           `json:"message"`
	ErrorCode   ErrorCode        `json:"error_code,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
	CompletedAt time.Time        `json:"completed_at"`
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError"`
}

type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
