// Package conversation adapts conversational models to the pipeline.
//
// OpenAI talks to any OpenAI-compatible chat completions endpoint and
// exposes registered capabilities as function tools. Offline is used when
// no API key is configured; it echoes and never proposes tools.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// ── OpenAI ───────────────────────────────────────────────────

// OpenAI implements contracts.ConversationModel over go-openai.
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAI creates an adapter. baseURL may be empty for the public API.
func NewOpenAI(apiKey, model, baseURL, systemPrompt string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	log.Info().Str("model", model).Str("base_url", cfg.BaseURL).Msg("🤖 Conversational model configured")
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: systemPrompt,
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

// Reply sends the history plus text and returns either text or the first
// proposed tool call.
func (o *OpenAI) Reply(ctx context.Context, text string, history []models.ChatMessage, tools []models.CapabilitySpec) (*models.ModelReply, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if o.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = Tools(tools)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	log.Debug().
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Int("tool_calls", len(msg.ToolCalls)).
		Msg("Received model reply")

	reply := &models.ModelReply{Text: msg.Content}
	if len(msg.ToolCalls) > 0 {
		call, err := ParseToolCall(msg.ToolCalls[0])
		if err != nil {
			return nil, err
		}
		reply.ToolCall = call
	}
	return reply, nil
}

// Tools converts capability specs into function tools. Dots are not valid
// in function names, so "iot.toggle" is sent as "iot__toggle".
func Tools(specs []models.CapabilitySpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        FunctionName(spec.Name),
				Description: spec.Description,
				Parameters:  spec.InputSchema(),
			},
		})
	}
	return tools
}

// FunctionName encodes a capability name as a function name.
func FunctionName(capability string) string {
	return strings.ReplaceAll(capability, ".", "__")
}

// CapabilityName decodes a function name back into a capability name.
func CapabilityName(function string) string {
	return strings.ReplaceAll(function, "__", ".")
}

// ParseToolCall decodes a model tool call into a ToolCallRequest.
func ParseToolCall(tc openai.ToolCall) (*models.ToolCallRequest, error) {
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("decode tool call arguments for %s: %w", tc.Function.Name, err)
		}
	}
	return &models.ToolCallRequest{
		ID:         tc.ID,
		Capability: CapabilityName(tc.Function.Name),
		Args:       args,
	}, nil
}

// ── Offline ──────────────────────────────────────────────────

// Offline is the model used without credentials.
type Offline struct{}

func (Offline) Name() string { return "offline" }

func (Offline) Reply(_ context.Context, text string, _ []models.ChatMessage, _ []models.CapabilitySpec) (*models.ModelReply, error) {
	return &models.ModelReply{Text: "[offline] " + text}, nil
}
