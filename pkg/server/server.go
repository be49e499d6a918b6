// Package server provides the public entry point for assembling halbridge.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// embed the pipeline or wrap the HTTP handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/halbridge/halbridge/internal/analyzer"
	"github.com/halbridge/halbridge/internal/api"
	"github.com/halbridge/halbridge/internal/api/handlers"
	"github.com/halbridge/halbridge/internal/bus"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/internal/config"
	"github.com/halbridge/halbridge/internal/conversation"
	"github.com/halbridge/halbridge/internal/executor"
	"github.com/halbridge/halbridge/internal/guardrails"
	"github.com/halbridge/halbridge/internal/intents"
	"github.com/halbridge/halbridge/internal/mcpgw"
	"github.com/halbridge/halbridge/internal/metrics"
	"github.com/halbridge/halbridge/internal/pipeline"
	"github.com/halbridge/halbridge/internal/registry"
	"github.com/halbridge/halbridge/internal/retention"
	"github.com/halbridge/halbridge/internal/router"
	"github.com/halbridge/halbridge/internal/selfheal"
	"github.com/halbridge/halbridge/internal/sessions"
	"github.com/halbridge/halbridge/internal/slots"
	"github.com/halbridge/halbridge/internal/store"
	"github.com/halbridge/halbridge/internal/telemetry"
	"github.com/halbridge/halbridge/internal/tools"
	"github.com/halbridge/halbridge/pkg/contracts"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized halbridge components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Pipeline processes utterances without going through HTTP.
	Pipeline *pipeline.Pipeline

	// Store keeps recent results.
	Store store.Store

	// Bus publishes lifecycle events.
	Bus *bus.Bus

	// Webhooks delivers events to external URLs. Nil when none are configured;
	// otherwise Run must be started by the caller.
	Webhooks *bus.WebhookSink

	// Janitor expires old results and idle sessions. Start it when Enabled.
	Janitor *retention.Janitor

	// Config is the process configuration the server was built from.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes every component from cfg and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	cat, err := loadCatalog(cfg.AgentConfigPath)
	if err != nil {
		return nil, err
	}

	// ── Tool Registry ──
	reg := registry.New()
	for _, h := range tools.Handlers(cat, cfg) {
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("register %s: %w", h.Spec().Name, err)
		}
	}
	log.Info().Strs("capabilities", reg.Names()).Msg("✅ Tool registry initialized")

	// ── Core stages ──
	filter, err := guardrails.New(cat.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("init guardrails: %w", err)
	}
	extractor, err := slots.New(cat)
	if err != nil {
		return nil, fmt.Errorf("init slot extractor: %w", err)
	}
	rt := router.New(cat, reg, extractor)
	recognizer, err := intents.New(cat,
		intents.WithThreshold(cfg.Pipeline.TMin),
		intents.WithRoutable(rt.Routable),
	)
	if err != nil {
		return nil, fmt.Errorf("init recognizer: %w", err)
	}
	stages := pipeline.Stages{
		Recognizer: recognizer,
		Extractor:  extractor,
		Router:     rt,
		Executor: executor.New(reg, filter,
			executor.WithDefaultTimeout(cfg.Pipeline.DefaultTimeout),
			executor.WithCapabilityTimeouts(capabilityTimeouts(cat, cfg)),
		),
		Analyzer: analyzer.New(cat),
		SelfHeal: selfheal.New(cat,
			selfheal.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
			selfheal.WithBackoff(cfg.Pipeline.BackoffBase, cfg.Pipeline.BackoffCap),
		),
	}
	log.Info().
		Int("intents", len(cat.Intents)).
		Int("guardrails", len(cat.Guardrails)).
		Float64("t_min", recognizer.Threshold()).
		Msg("✅ Pipeline stages initialized")

	// ── Events, metrics, storage ──
	events := bus.New()
	collector := metrics.New(true)
	events.Subscribe(collector)
	events.Subscribe(bus.LogListener())

	var webhooks *bus.WebhookSink
	if len(cfg.Webhooks.URLs) > 0 {
		webhooks = bus.NewWebhookSink(cfg.Webhooks.URLs, cfg.Webhooks.Secret)
		events.Subscribe(webhooks)
	}

	results := store.NewMemoryStore(cfg.Pipeline.ResultHistory, cfg.DataDir)
	history := sessions.NewMemorySessionStore(cfg.Pipeline.SessionHistory)
	model := conversationModel(cfg.Model)

	p := pipeline.New(stages,
		pipeline.WithPublisher(events),
		pipeline.WithModel(model),
		pipeline.WithHistory(history),
		pipeline.WithResults(results),
	)
	gw := mcpgw.NewGateway(p, rt, cfg.Version)
	log.Info().Str("model", model.Name()).Msg("✅ Pipeline initialized")

	janitorOpts := []retention.Option{
		retention.WithResultTTL(cfg.Retention.ResultTTL),
		retention.WithSessionTTL(cfg.Retention.SessionTTL),
	}
	if cfg.Retention.ArchiveDir != "" {
		janitorOpts = append(janitorOpts, retention.WithArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)))
	}
	janitor := retention.NewJanitor(results, history, cfg.Retention.Interval, janitorOpts...)

	h := &handlers.Handlers{
		Pipeline:     p,
		MCPGateway:   gw,
		Catalog:      cat,
		Capabilities: rt,
		Guardrails:   filter,
		Results:      results,
		Sessions:     history,
		Metrics:      collector,
		Events:       events,
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h, collector.Handler()),
		Pipeline:     p,
		Store:        results,
		Bus:          events,
		Webhooks:     webhooks,
		Janitor:      janitor,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Close releases the store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(s.Store.Close(), s.ShutdownFunc(ctx))
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		c, err := catalog.Default()
		if err != nil {
			return nil, fmt.Errorf("load embedded agent config: %w", err)
		}
		log.Info().Int("version", c.Version).Msg("✅ Embedded agent config loaded")
		return c, nil
	}
	c, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load agent config %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("version", c.Version).Msg("✅ Agent config loaded")
	return c, nil
}

// capabilityTimeouts fills the collaborator timeouts from process config for
// capabilities whose catalog entry sets none.
func capabilityTimeouts(c *catalog.Catalog, cfg *config.Config) map[string]time.Duration {
	byConfig := map[string]time.Duration{
		"iot.toggle":    cfg.Devices.Timeout,
		"iot.command":   cfg.Devices.Timeout,
		"web.fetch":     cfg.Web.Timeout,
		"browser.fetch": cfg.Web.Timeout,
		"system.exec":   cfg.Exec.Timeout,
	}
	out := make(map[string]time.Duration, len(byConfig))
	for name, d := range byConfig {
		if c.Capability(name).TimeoutMs == 0 && d > 0 {
			out[name] = d
		}
	}
	return out
}

func conversationModel(cfg config.ModelConfig) contracts.ConversationModel {
	if cfg.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, conversation runs offline")
		return conversation.Offline{}
	}
	return conversation.NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.SystemPrompt)
}
