package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halbridge/halbridge/internal/api"
	"github.com/halbridge/halbridge/internal/api/handlers"
	"github.com/halbridge/halbridge/internal/bus"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/internal/guardrails"
	"github.com/halbridge/halbridge/internal/mcpgw"
	"github.com/halbridge/halbridge/internal/metrics"
	"github.com/halbridge/halbridge/internal/sessions"
	"github.com/halbridge/halbridge/internal/store"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoPipeline answers every utterance with a conversation reply and
// accepts iot.toggle tool calls.
type echoPipeline struct {
	results  store.ResultStore
	sessions *sessions.MemorySessionStore
	events   *bus.Bus
}

func (p *echoPipeline) Process(ctx context.Context, utt models.Utterance) (*models.Response, error) {
	resp := &models.Response{
		ID:          "resp-" + utt.ID,
		UtteranceID: utt.ID,
		SessionID:   utt.SessionID,
		Kind:        models.ResponseConversation,
		Intent:      models.Intent{Label: models.IntentNone},
		Message:     "echo: " + utt.Text,
	}
	p.sessions.Append(ctx, utt.SessionID,
		models.ChatMessage{Role: "user", Content: utt.Text},
		models.ChatMessage{Role: "assistant", Content: resp.Message},
	)
	p.events.Publish(models.Event{Type: models.EventIntentRecognized, UtteranceID: utt.ID, Intent: models.IntentNone})
	return resp, p.results.SaveResult(ctx, resp)
}

func (p *echoPipeline) ProcessToolCall(ctx context.Context, sessionID string, call models.ToolCallRequest) (*models.Response, error) {
	if call.Capability != "iot.toggle" {
		return nil, fmt.Errorf("%w: %s", models.ErrCapabilityNotFound, call.Capability)
	}
	return &models.Response{
		ID:         "tool-" + call.ID,
		SessionID:  sessionID,
		Kind:       models.ResponseAction,
		Message:    "swiatlo 1 is on.",
		Resolution: &models.Resolution{State: models.HealResolved},
	}, nil
}

type staticCapabilities []models.CapabilitySpec

func (s staticCapabilities) Capabilities() []models.CapabilitySpec { return s }

type testServer struct {
	handler http.Handler
	events  *bus.Bus
	metrics *metrics.Collector
}

func newTestServer(t *testing.T, keys ...string) *testServer {
	t.Helper()

	c, err := catalog.Default()
	require.NoError(t, err)
	filter, err := guardrails.New(c.Guardrails)
	require.NoError(t, err)

	results := store.NewMemoryStore(10, "")
	t.Cleanup(func() { results.Close() })

	events := bus.New()
	collector := metrics.New(false)
	events.Subscribe(collector)

	p := &echoPipeline{results: results, sessions: sessions.NewMemorySessionStore(10), events: events}
	caps := staticCapabilities{{
		Name:        "iot.toggle",
		Description: "switch a light",
		Params:      []models.SlotSpec{{Name: "device", Type: models.SlotNumber, Required: true}},
	}}

	h := &handlers.Handlers{
		Pipeline:     p,
		MCPGateway:   mcpgw.NewGateway(p, caps, "test"),
		Catalog:      c,
		Capabilities: caps,
		Guardrails:   filter,
		Results:      results,
		Sessions:     p.sessions,
		Metrics:      collector,
		Events:       events,
		KeepAlive:    50 * time.Millisecond,
	}
	cfg := &config.Config{Version: "9.9.9", Auth: config.AuthConfig{APIKeys: keys}}
	return &testServer{handler: api.NewRouter(cfg, h, collector.Handler()), events: events, metrics: collector}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])

	w = s.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, "9.9.9", decode[map[string]string](t, w)["version"])
}

func TestUtterances(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/utterances", map[string]string{"text": "hello there", "session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.Response](t, w)
	assert.Equal(t, "echo: hello there", resp.Message)
	assert.NotEmpty(t, resp.UtteranceID)

	w = s.do(t, http.MethodGet, "/api/v1/results/"+resp.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, resp.ID, decode[models.Response](t, w).ID)

	w = s.do(t, http.MethodGet, "/api/v1/results?session_id=s1&limit=5", nil)
	assert.Len(t, decode[[]models.Response](t, w), 1)

	w = s.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.Session](t, w).Messages, 2)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/sessions/s1", nil).Code)
}

func TestUtterances_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"empty text", "/api/v1/utterances", map[string]string{"text": "  "}},
		{"not an object", "/api/v1/utterances", "just a string"},
		{"tool call without capability", "/api/v1/tool-calls", map[string]any{"args": map[string]any{}}},
		{"check without capability", "/api/v1/guardrails/check", map[string]any{}},
	}
	for _, tt := range tests {
		if w := s.do(t, http.MethodPost, tt.path, tt.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, http.StatusBadRequest)
		}
	}
}

func TestToolCalls(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/tool-calls", map[string]any{
		"capability": "iot.toggle",
		"args":       map[string]any{"device": 1, "state": "on"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ResponseAction, decode[models.Response](t, w).Kind)

	w = s.do(t, http.MethodPost, "/api/v1/tool-calls", map[string]any{"capability": "self.destruct"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCatalogIntrospection(t *testing.T) {
	s := newTestServer(t)

	caps := decode[[]map[string]any](t, s.do(t, http.MethodGet, "/api/v1/capabilities", nil))
	require.Len(t, caps, 1)
	assert.Equal(t, "iot.toggle", caps[0]["name"])
	assert.Contains(t, caps[0], "input_schema")

	intents := decode[map[string]json.RawMessage](t, s.do(t, http.MethodGet, "/api/v1/intents", nil))
	assert.Contains(t, string(intents["intents"]), "iot.toggle")

	rules := decode[[]models.GuardrailRule](t, s.do(t, http.MethodGet, "/api/v1/guardrails", nil))
	assert.NotEmpty(t, rules)
}

func TestGuardrailCheck(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		capability string
		args       map[string]any
		allowed    bool
	}{
		{"system.exec", map[string]any{"command": "rm -rf /"}, false},
		{"system.exec", map[string]any{"command": "ls -la"}, true},
		{"file.write", map[string]any{"path": "/etc/passwd", "content": "x"}, false},
	}
	for _, tt := range tests {
		w := s.do(t, http.MethodPost, "/api/v1/guardrails/check", map[string]any{"capability": tt.capability, "args": tt.args})
		require.Equal(t, http.StatusOK, w.Code)
		if got := decode[models.GuardrailDecision](t, w); got.Allowed != tt.allowed {
			t.Errorf("Check(%s, %v).Allowed = %v, want %v", tt.capability, tt.args, got.Allowed, tt.allowed)
		}
	}
}

func TestResultNotFound(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/results/missing", nil).Code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/utterances", map[string]string{"text": "hi"})

	snap := decode[metrics.Snapshot](t, s.do(t, http.MethodGet, "/api/v1/metrics/snapshot", nil))
	assert.Equal(t, 1.0, snap.Intents[models.IntentNone])

	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "halbridge_intents_total")
}

func TestMCPEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "iot__toggle")

	w = s.do(t, http.MethodPost, "/mcp", map[string]any{"jsonrpc": "2.0", "method": "notifications/initialized"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	resp := decode[models.MCPResponse](t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/intents", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?type=pipeline.completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		require.True(t, lines.Scan(), "stream ended early")
		return lines.Text()
	}

	require.Equal(t, "event: connected", next())

	// Filtered out by ?type=.
	s.events.Publish(models.Event{Type: models.EventToolInvoked, UtteranceID: "u0"})
	s.events.Publish(models.Event{Type: models.EventPipelineCompleted, UtteranceID: "u1"})

	var data string
	for data == "" {
		line := next()
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: pipeline.completed", line)
		}
		if strings.HasPrefix(line, "data: ") && line != "data: {}" {
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "u1", ev.UtteranceID)
}
