// Package mcpgw implements the MCP (Model Context Protocol) Gateway.
//
// Every registered capability is exposed as an MCP tool. It supports:
//   - the initialize handshake and ping
//   - tools/list with JSON Schema built from the owning intent's slot schema
//   - tools/call routed through the pipeline's tool-call path, so guardrails,
//     retries and fallbacks apply exactly as for spoken commands
package mcpgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/halbridge/halbridge/internal/conversation"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeToolNotFound   = -32001
)

// ToolLister lists the capabilities offered as tools.
type ToolLister interface {
	Capabilities() []models.CapabilitySpec
}

// Gateway answers MCP JSON-RPC requests.
type Gateway struct {
	pipeline contracts.PipelineService
	tools    ToolLister
	version  string
}

// NewGateway creates a new MCP gateway.
func NewGateway(p contracts.PipelineService, tools ToolLister, version string) *Gateway {
	return &Gateway{pipeline: p, tools: tools, version: version}
}

// HandleJSONRPC processes an MCP JSON-RPC 2.0 request. Notifications
// return nil.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	if req.Jsonrpc != "2.0" {
		return rpcError(req.ID, codeInvalidRequest, "Invalid Request", "jsonrpc must be \"2.0\"")
	}

	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(req)

	case "tools/list":
		return gw.handleToolsList(req)

	// ── Tool Invocation ──────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Msg("MCP client initialized")
		return nil

	case "ping":
		return &models.MCPResponse{Jsonrpc: "2.0", Result: map[string]string{}, ID: req.ID}

	default:
		return rpcError(req.ID, codeMethodNotFound, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the MCP gateway", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{"listChanged": false},
			},
			"serverInfo": map[string]string{
				"name":    "halbridge",
				"version": gw.version,
			},
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsList(req *models.MCPRequest) *models.MCPResponse {
	specs := gw.tools.Capabilities()
	tools := make([]models.MCPToolInfo, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, models.MCPToolInfo{
			Name:        conversation.FunctionName(s.Name),
			Description: s.Description,
			InputSchema: s.InputSchema(),
		})
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  map[string]interface{}{"tools": tools},
		ID:      req.ID,
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return rpcError(req.ID, codeInvalidParams, "Invalid params", "missing tool name")
	}

	capability := conversation.CapabilityName(params.Name)
	resp, err := gw.pipeline.ProcessToolCall(ctx, "", models.ToolCallRequest{
		Capability: capability,
		Args:       params.Arguments,
	})
	switch {
	case errors.Is(err, models.ErrCapabilityNotFound):
		return rpcError(req.ID, codeToolNotFound, "Tool not found",
			fmt.Sprintf("Tool '%s' is not registered", params.Name))
	case err != nil:
		log.Error().Err(err).Str("capability", capability).Msg("MCP tool call failed")
		return rpcError(req.ID, codeInternal, "Internal error", err.Error())
	}

	result := models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: resp.Message}},
		IsError: resp.ErrorCode != "",
	}
	if resp.Resolution != nil && resp.Resolution.Payload != nil {
		if data, err := json.Marshal(resp.Resolution.Payload); err == nil {
			result.Content = append(result.Content, models.MCPContent{Type: "text", Text: string(data)})
		}
	}
	return &models.MCPResponse{Jsonrpc: "2.0", Result: result, ID: req.ID}
}

func rpcError(id interface{}, code int, message string, data interface{}) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error:   &models.MCPError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}
