// Package contracts defines the narrow interfaces between the halbridge
// pipeline and its collaborators.
//
// Handlers (hardware bridge, web fetch, file helpers, exec) implement Handler
// and are registered in the Tool Registry. The conversational model sits
// behind ConversationModel. Event listeners implement Listener. The HTTP
// handlers depend on PipelineService and MCPGatewayService, so a different
// implementation can be swapped in from the composition root.
package contracts

import (
	"context"

	"github.com/halbridge/halbridge/pkg/models"
)

// ── Handler ─────────────────────────────────────────────────

// Handler performs one capability. Invoke returns the collaborator result;
// a non-nil error is converted into a HandlerError outcome by the
// Execution Engine. Handlers must honor ctx cancellation.
type Handler interface {
	Spec() models.CapabilitySpec
	Invoke(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Capability models.CapabilitySpec
	Fn         func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error)
}

func (h HandlerFunc) Spec() models.CapabilitySpec { return h.Capability }

func (h HandlerFunc) Invoke(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	return h.Fn(ctx, inv)
}

// ── Guardrail ───────────────────────────────────────────────

// Guard decides whether a proposed action may run.
type Guard interface {
	Check(capability string, args map[string]any) models.GuardrailDecision
}

// ── Conversational Model ────────────────────────────────────

// ConversationModel produces either plain text or a tool-call request.
// tools lists the capabilities the model may propose.
type ConversationModel interface {
	Name() string
	Reply(ctx context.Context, text string, history []models.ChatMessage, tools []models.CapabilitySpec) (*models.ModelReply, error)
}

// ── Event Bus ───────────────────────────────────────────────

// Listener receives lifecycle events in publish order.
type Listener interface {
	OnEvent(ev models.Event)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(ev models.Event)

func (f ListenerFunc) OnEvent(ev models.Event) { f(ev) }

// ── Pipeline Service ────────────────────────────────────────

// PipelineService processes utterances and model-proposed tool calls.
// OSS implementation: internal/pipeline.Pipeline
type PipelineService interface {
	// Process runs text through recognition, routing and self-healing execution.
	Process(ctx context.Context, utt models.Utterance) (*models.Response, error)

	// ProcessToolCall routes a capability proposed by the model, bypassing
	// the recognizer and extractor.
	ProcessToolCall(ctx context.Context, sessionID string, call models.ToolCallRequest) (*models.Response, error)
}

// ── MCP Gateway Service ─────────────────────────────────────

// MCPGatewayService handles MCP (Model Context Protocol) requests.
// OSS implementation: internal/mcpgw.Gateway
type MCPGatewayService interface {
	// HandleJSONRPC processes an MCP JSON-RPC 2.0 request.
	HandleJSONRPC(ctx context.Context, req *models.MCPRequest) *models.MCPResponse
}
