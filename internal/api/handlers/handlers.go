// Package handlers implements the HTTP handlers for the halbridge control
// plane: utterance processing, model tool calls, catalog and guardrail
// introspection, recent results, sessions, metrics, the lifecycle event
// stream and the MCP endpoint.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/metrics"
	"github.com/halbridge/halbridge/internal/store"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// CapabilityLister lists the capabilities exposed to models.
type CapabilityLister interface {
	Capabilities() []models.CapabilitySpec
}

// GuardrailInspector checks and lists the static safety rules.
type GuardrailInspector interface {
	contracts.Guard
	Rules() []models.GuardrailRule
}

// SessionStore reads and clears conversation histories.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// MetricsSource exposes a metrics snapshot.
type MetricsSource interface {
	Snapshot() (*metrics.Snapshot, error)
}

// EventSource opens lifecycle event subscriptions.
type EventSource interface {
	Stream(buffer int) (<-chan models.Event, func())
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Pipeline     contracts.PipelineService
	MCPGateway   contracts.MCPGatewayService
	Catalog      *catalog.Catalog
	Capabilities CapabilityLister
	Guardrails   GuardrailInspector
	Results      store.ResultStore
	Sessions     SessionStore
	Metrics      MetricsSource
	Events       EventSource

	// KeepAlive is the SSE comment interval. Zero means 15s.
	KeepAlive time.Duration
}

// ══════════════════════════════════════════════════════════════
// ── Pipeline Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type utteranceRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
}

// ProcessUtterance runs free text through the pipeline.
func (h *Handlers) ProcessUtterance(w http.ResponseWriter, r *http.Request) {
	var req utteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	resp, err := h.Pipeline.Process(r.Context(), models.Utterance{
		ID:        uuid.NewString(),
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
		Source:    req.Source,
		SessionID: req.SessionID,
	})
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type toolCallRequest struct {
	SessionID  string         `json:"session_id"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// ProcessToolCall routes a model-proposed capability, bypassing recognition.
func (h *Handlers) ProcessToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Capability == "" {
		respondError(w, http.StatusBadRequest, "capability is required")
		return
	}

	resp, err := h.Pipeline.ProcessToolCall(r.Context(), req.SessionID, models.ToolCallRequest{
		ID:         uuid.NewString(),
		Capability: req.Capability,
		Args:       req.Args,
	})
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrCapabilityNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		respondError(w, 499, "request canceled")
	default:
		log.Error().Err(err).Msg("Pipeline failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ══════════════════════════════════════════════════════════════
// ── Catalog & Guardrail Handlers ─────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListCapabilities returns the registered capabilities with their schemas.
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	type capability struct {
		models.CapabilitySpec
		InputSchema map[string]any `json:"input_schema"`
	}
	specs := h.Capabilities.Capabilities()
	out := make([]capability, 0, len(specs))
	for _, s := range specs {
		out = append(out, capability{CapabilitySpec: s, InputSchema: s.InputSchema()})
	}
	respondJSON(w, http.StatusOK, out)
}

// ListIntents returns the intent catalog.
func (h *Handlers) ListIntents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.Catalog.Version,
		"intents": h.Catalog.Intents,
	})
}

// ListGuardrails returns the static safety rules in evaluation order.
func (h *Handlers) ListGuardrails(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Guardrails.Rules())
}

type guardrailCheckRequest struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// CheckGuardrails evaluates the rules against a hypothetical invocation
// without running anything.
func (h *Handlers) CheckGuardrails(w http.ResponseWriter, r *http.Request) {
	var req guardrailCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Capability == "" {
		respondError(w, http.StatusBadRequest, "capability is required")
		return
	}
	respondJSON(w, http.StatusOK, h.Guardrails.Check(req.Capability, req.Args))
}

// ══════════════════════════════════════════════════════════════
// ── Results & Sessions ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListResults returns recent responses, newest first.
// Query: limit, offset, kind, session_id.
func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Limit:     queryInt(q.Get("limit"), 50),
		Offset:    queryInt(q.Get("offset"), 0),
		Kind:      models.ResponseKind(q.Get("kind")),
		SessionID: q.Get("session_id"),
	}
	results, err := h.Results.ListResults(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.Response{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resultID")
	result, err := h.Results.GetResult(r.Context(), id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Observability ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// MetricsSnapshot returns the pipeline counters as JSON.
func (h *Handlers) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Metrics.Snapshot()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// StreamEvents streams lifecycle events as Server-Sent Events.
// Query: type (comma-separated event types to keep).
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	keep := map[models.EventType]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			keep[models.EventType(t)] = true
		}
	}

	events, cancel := h.Events.Stream(256)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	interval := h.KeepAlive
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if len(keep) > 0 && !keep[ev.Type] {
				continue
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── MCP Gateway Handler ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, models.MCPResponse{
			Jsonrpc: "2.0",
			Error: &models.MCPError{
				Code:    -32700,
				Message: "Parse error",
				Data:    err.Error(),
			},
			ID: nil,
		})
		return
	}

	log.Debug().Str("method", req.Method).Msg("MCP request received")

	resp := h.MCPGateway.HandleJSONRPC(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
