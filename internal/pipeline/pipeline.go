// Package pipeline runs an utterance end to end:
//
//	recognize → extract → route → (guardrail → execute → analyze → self-heal)* → response
//
// Low-confidence, unroutable and unregistered intents are demoted to the
// conversational model. A tool call proposed by the model enters at the
// router and follows the same execution path. Every stage publishes a
// lifecycle event; events of one utterance are published in order from the
// goroutine processing it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/halbridge/halbridge/internal/analyzer"
	"github.com/halbridge/halbridge/internal/executor"
	"github.com/halbridge/halbridge/internal/intents"
	"github.com/halbridge/halbridge/internal/router"
	"github.com/halbridge/halbridge/internal/selfheal"
	"github.com/halbridge/halbridge/internal/slots"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("halbridge-pipeline")

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ev models.Event)
}

// History stores conversation turns per session.
type History interface {
	History(ctx context.Context, sessionID string) []models.ChatMessage
	Append(ctx context.Context, sessionID string, msgs ...models.ChatMessage)
}

// Results records finished responses.
type Results interface {
	SaveResult(ctx context.Context, resp *models.Response) error
}

// Stages are the core components the pipeline drives.
type Stages struct {
	Recognizer *intents.Recognizer
	Extractor  *slots.Extractor
	Router     *router.Router
	Executor   *executor.Executor
	Analyzer   *analyzer.Analyzer
	SelfHeal   *selfheal.Controller
}

// Pipeline implements contracts.PipelineService. Safe for concurrent use:
// per-utterance state lives on the stack of the processing goroutine.
type Pipeline struct {
	Stages
	publisher Publisher
	model     contracts.ConversationModel
	history   History
	results   Results
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(pl *Pipeline) { pl.publisher = p } }

// WithModel sets the conversational model used for pass-through.
func WithModel(m contracts.ConversationModel) Option { return func(pl *Pipeline) { pl.model = m } }

// WithHistory sets the session history store.
func WithHistory(h History) Option { return func(pl *Pipeline) { pl.history = h } }

// WithResults sets where finished responses are recorded.
func WithResults(r Results) Option { return func(pl *Pipeline) { pl.results = r } }

// New creates a pipeline. Without options events are dropped, conversation
// goes nowhere and results are not kept.
func New(stages Stages, opts ...Option) *Pipeline {
	p := &Pipeline{Stages: stages}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ── Entry points ─────────────────────────────────────────────

// Process handles one utterance.
func (p *Pipeline) Process(ctx context.Context, utt models.Utterance) (*models.Response, error) {
	start := time.Now()
	if utt.ID == "" {
		utt.ID = uuid.NewString()
	}
	if utt.Timestamp.IsZero() {
		utt.Timestamp = start.UTC()
	}

	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("halbridge.utterance_id", utt.ID),
			attribute.String("halbridge.source", utt.Source),
		),
	)
	defer span.End()

	logger := log.With().Str("utterance_id", utt.ID).Logger()
	p.publish(models.Event{Type: models.EventUtteranceReceived, UtteranceID: utt.ID, Data: map[string]any{"source": utt.Source}})

	intent := p.Recognizer.Recognize(utt.Text)
	span.SetAttributes(
		attribute.String("halbridge.intent", intent.Label),
		attribute.Float64("halbridge.confidence", intent.Confidence),
	)
	p.publish(models.Event{
		Type:        models.EventIntentRecognized,
		UtteranceID: utt.ID,
		Intent:      intent.Label,
		Data:        map[string]any{"confidence": intent.Confidence},
	})
	logger.Debug().Str("intent", intent.Label).Float64("confidence", intent.Confidence).Msg("Intent recognized")

	if intent.IsNone() {
		return p.finish(ctx, utt, p.converse(ctx, utt, intent), start), nil
	}

	set := p.Extractor.Extract(utt.Text, intent.Label)
	statuses := make(map[string]string, len(set.Slots))
	for name, s := range set.Slots {
		statuses[name] = string(s.Status)
	}
	p.publish(models.Event{
		Type:        models.EventSlotsExtracted,
		UtteranceID: utt.ID,
		Intent:      intent.Label,
		Data:        map[string]any{"statuses": statuses, "missing": set.Missing()},
	})

	decision, err := p.Router.Route(utt.ID, intent, set)
	switch {
	case err != nil:
		// UnroutableIntent, or dialog.clarify itself missing from the registry.
		logger.Info().Err(err).Str("intent", intent.Label).Msg("Intent not routable, demoting to conversation")
		return p.finish(ctx, utt, p.converse(ctx, utt, intent), start), nil
	case decision == nil:
		return p.finish(ctx, utt, p.converse(ctx, utt, intent), start), nil
	}

	return p.finish(ctx, utt, p.act(ctx, utt, intent, decision), start), nil
}

// ProcessToolCall routes a capability proposed by the model, bypassing the
// recognizer and extractor. Unknown capabilities return an error wrapping
// models.ErrCapabilityNotFound.
func (p *Pipeline) ProcessToolCall(ctx context.Context, sessionID string, call models.ToolCallRequest) (*models.Response, error) {
	start := time.Now()
	utt := models.Utterance{
		ID:        uuid.NewString(),
		Timestamp: start.UTC(),
		Source:    "tool_call",
		SessionID: sessionID,
	}

	ctx, span := tracer.Start(ctx, "pipeline.tool_call",
		trace.WithAttributes(
			attribute.String("halbridge.utterance_id", utt.ID),
			attribute.String("halbridge.capability", call.Capability),
		),
	)
	defer span.End()

	p.publish(models.Event{Type: models.EventUtteranceReceived, UtteranceID: utt.ID, Capability: call.Capability, Data: map[string]any{"source": utt.Source}})

	decision, err := p.Router.RouteToolCall(utt.ID, call)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	intent := models.Intent{Label: decision.Intent, Confidence: 1}
	return p.finish(ctx, utt, p.act(ctx, utt, intent, decision), start), nil
}

// ── Conversation ─────────────────────────────────────────────

func (p *Pipeline) converse(ctx context.Context, utt models.Utterance, intent models.Intent) *models.Response {
	resp := &models.Response{Kind: models.ResponseConversation, Intent: intent}
	if p.model == nil {
		resp.Message = "I don't have a conversational model configured."
		return resp
	}

	var history []models.ChatMessage
	if p.history != nil {
		history = p.history.History(ctx, utt.SessionID)
	}

	reply, err := p.model.Reply(ctx, utt.Text, history, p.Router.Capabilities())
	if err != nil {
		log.Warn().Err(err).Str("utterance_id", utt.ID).Str("model", p.model.Name()).Msg("Conversational model failed")
		resp.Message = "I could not reach the conversational model."
		return resp
	}
	if reply.ToolCall == nil {
		resp.Message = reply.Text
		return resp
	}

	decision, err := p.Router.RouteToolCall(utt.ID, *reply.ToolCall)
	if err != nil {
		log.Warn().Err(err).Str("utterance_id", utt.ID).Str("capability", reply.ToolCall.Capability).Msg("Model proposed an unknown capability")
		resp.Message = reply.Text
		if resp.Message == "" {
			resp.Message = "I can't do that."
		}
		return resp
	}
	return p.act(ctx, utt, intent, decision)
}

// ── Action ───────────────────────────────────────────────────

func (p *Pipeline) act(ctx context.Context, utt models.Utterance, intent models.Intent, d *models.RoutingDecision) *models.Response {
	p.publish(models.Event{
		Type:        models.EventRouteDecided,
		UtteranceID: utt.ID,
		DecisionID:  d.ID,
		Intent:      d.Intent,
		Capability:  d.Capability,
		Data:        map[string]any{"chain": d.FallbackChain, "source": d.Source, "missing": d.Missing},
	})

	attempt := func(ctx context.Context, inv models.ToolInvocation) (models.ExecutionOutcome, models.Verdict) {
		ctx, span := tracer.Start(ctx, "pipeline.invoke",
			trace.WithAttributes(
				attribute.String("halbridge.capability", inv.Capability),
				attribute.Int("halbridge.attempt", inv.Attempt),
			),
		)
		defer span.End()

		outcome := p.Executor.Execute(ctx, inv)
		if outcome.Guardrail != nil {
			p.publish(models.Event{
				Type:        models.EventGuardrailChecked,
				UtteranceID: utt.ID,
				DecisionID:  d.ID,
				Capability:  inv.Capability,
				Attempt:     inv.Attempt,
				Data: map[string]any{
					"allowed": outcome.Guardrail.Allowed,
					"rule":    outcome.Guardrail.Rule,
					"reason":  outcome.Guardrail.Reason,
				},
			})
		}
		p.publish(models.Event{
			Type:        models.EventToolInvoked,
			UtteranceID: utt.ID,
			DecisionID:  d.ID,
			Capability:  inv.Capability,
			Attempt:     inv.Attempt,
			Data:        map[string]any{"outcome": string(outcome.Kind), "duration_ms": outcome.DurationMs},
		})

		verdict := p.Analyzer.Analyze(inv.Capability, outcome)
		p.publish(models.Event{
			Type:        models.EventResultClassified,
			UtteranceID: utt.ID,
			DecisionID:  d.ID,
			Capability:  inv.Capability,
			Attempt:     inv.Attempt,
			Verdict:     &verdict,
		})

		span.SetAttributes(
			attribute.String("halbridge.outcome", string(outcome.Kind)),
			attribute.String("halbridge.verdict", string(verdict.Status)),
		)
		if verdict.Status == models.VerdictFailure {
			span.SetStatus(codes.Error, verdict.Reason)
		}
		return outcome, verdict
	}

	observe := func(inv models.ToolInvocation, v models.Verdict, rd models.RetryDecision) {
		p.publish(models.Event{
			Type:        models.EventRetryDecided,
			UtteranceID: utt.ID,
			DecisionID:  d.ID,
			Capability:  inv.Capability,
			Attempt:     inv.Attempt,
			Verdict:     &v,
			Retry:       &rd,
		})
	}

	res := p.SelfHeal.Run(ctx, d, attempt, observe)

	resp := &models.Response{
		Kind:       models.ResponseAction,
		Intent:     intent,
		Decision:   d,
		Resolution: res,
	}
	if d.IsClarification() {
		resp.Kind = models.ResponseClarification
	}

	if res.State == models.HealResolved {
		resp.Message = summarize(res)
		return resp
	}

	code := res.Verdict.Code
	if code == "" {
		code = models.ErrCodeExhausted
	}
	failed := res.Capability
	if failed == "" {
		failed = d.Capability
	}
	perr := &models.PipelineError{
		Code:       code,
		Capability: failed,
		Reason:     res.Verdict.Reason,
		Attempts:   res.Attempts,
		Err:        models.ErrExhausted,
	}
	log.Warn().
		Str("utterance_id", utt.ID).
		Str("decision_id", d.ID).
		Str("code", string(code)).
		Int("attempts", len(res.Attempts)).
		Msg("Action failed")
	resp.Message = perr.Message()
	resp.ErrorCode = code
	return resp
}

// summarize renders the message of a resolved action. Handlers put a
// user-facing line under "message"; otherwise a generic one is used.
func summarize(res *models.Resolution) string {
	if msg, ok := res.Payload["message"].(string); ok && msg != "" {
		return msg
	}
	if res.Verdict.Status == models.VerdictPartial {
		return models.UserMessage(res.Capability, models.ErrCodePartial)
	}
	return fmt.Sprintf("Done: %s.", res.Capability)
}

// ── Completion ───────────────────────────────────────────────

func (p *Pipeline) finish(ctx context.Context, utt models.Utterance, resp *models.Response, start time.Time) *models.Response {
	resp.ID = uuid.NewString()
	resp.UtteranceID = utt.ID
	resp.SessionID = utt.SessionID
	resp.CompletedAt = time.Now().UTC()
	resp.DurationMs = time.Since(start).Milliseconds()

	if p.history != nil && utt.SessionID != "" {
		var turns []models.ChatMessage
		if utt.Text != "" {
			turns = append(turns, models.ChatMessage{Role: "user", Content: utt.Text})
		}
		turns = append(turns, models.ChatMessage{Role: "assistant", Content: resp.Message})
		p.history.Append(ctx, utt.SessionID, turns...)
	}
	if p.results != nil {
		if err := p.results.SaveResult(ctx, resp); err != nil {
			log.Warn().Err(err).Str("response_id", resp.ID).Msg("Failed to record result")
		}
	}

	data := map[string]any{"kind": string(resp.Kind), "duration_ms": resp.DurationMs}
	ev := models.Event{Type: models.EventPipelineCompleted, UtteranceID: utt.ID, Intent: resp.Intent.Label, Data: data}
	if resp.Decision != nil {
		ev.DecisionID = resp.Decision.ID
		ev.Capability = resp.Decision.Capability
	}
	if resp.Resolution != nil {
		data["state"] = string(resp.Resolution.State)
		ev.Verdict = &resp.Resolution.Verdict
	}
	if resp.ErrorCode != "" {
		data["error_code"] = string(resp.ErrorCode)
	}
	p.publish(ev)

	log.Info().
		Str("utterance_id", utt.ID).
		Str("kind", string(resp.Kind)).
		Str("intent", resp.Intent.Label).
		Int64("duration_ms", resp.DurationMs).
		Msg("✅ Utterance processed")
	return resp
}

func (p *Pipeline) publish(ev models.Event) {
	if p.publisher != nil {
		p.publisher.Publish(ev)
	}
}

// IsNotFound reports whether err means the requested capability is not
// registered.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrCapabilityNotFound)
}
