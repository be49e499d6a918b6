package models

import "time"

// EventType identifies a pipeline lifecycle event.
type EventType string

const (
	EventUtteranceReceived EventType = "utterance.received"
	EventIntentRecognized  EventType = "intent.recognized"
	EventSlotsExtracted    EventType = "slots.extracted"
	EventRouteDecided      EventType = "route.decided"
	EventGuardrailChecked  EventType = "guardrail.checked"
	EventToolInvoked       EventType = "tool.invoked"
	EventResultClassified  EventType = "result.classified"
	EventRetryDecided      EventType = "retry.decided"
	EventPipelineCompleted EventType = "pipeline.completed"
)

// Event is one lifecycle notification published on the bus.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	UtteranceID string         `json:"utterance_id"`
	DecisionID  string         `json:"decision_id,omitempty"`
	Intent      string         `json:"intent,omitempty"`
	Capability  string         `json:"capability,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	Verdict     *Verdict       `json:"verdict,omitempty"`
	Retry       *RetryDecision `json:"retry,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
