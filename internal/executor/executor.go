// Package executor implements the Execution Engine.
//
// Every invocation follows the same order:
//
//	guardrail check (exactly once) → registry lookup → handler under timeout
//
// The handler boundary is the only place where collaborator failures
// (network errors, crashed subprocesses, unreachable devices, panics) are
// converted into the internal outcome vocabulary. The engine never looks
// inside handler payloads; classifying them is the Result Analyzer's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/halbridge/halbridge/internal/registry"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds invocations when neither the invocation nor the
// capability sets a timeout.
const DefaultTimeout = 10 * time.Second

// Executor dispatches ToolInvocations. Safe for concurrent use.
type Executor struct {
	registry       *registry.Registry
	guard          contracts.Guard
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the global fallback timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithCapabilityTimeouts sets per-capability default timeouts.
func WithCapabilityTimeouts(timeouts map[string]time.Duration) Option {
	return func(e *Executor) { e.timeouts = maps.Clone(timeouts) }
}

// New creates an Execution Engine.
func New(reg *registry.Registry, guard contracts.Guard, opts ...Option) *Executor {
	e := &Executor{
		registry:       reg,
		guard:          guard,
		defaultTimeout: DefaultTimeout,
		timeouts:       map[string]time.Duration{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type handlerReturn struct {
	result *models.HandlerResult
	err    error
}

// Execute runs one invocation and returns its raw outcome. It never
// returns an error: every failure is an outcome kind.
func (e *Executor) Execute(ctx context.Context, inv models.ToolInvocation) models.ExecutionOutcome {
	start := time.Now()
	if inv.StartedAt.IsZero() {
		inv.StartedAt = start.UTC()
	}
	inv.Args = maps.Clone(inv.Args)

	logger := log.With().
		Str("decision_id", inv.DecisionID).
		Str("capability", inv.Capability).
		Int("attempt", inv.Attempt).
		Logger()

	outcome := models.ExecutionOutcome{Invocation: inv}
	finish := func(kind models.OutcomeKind) models.ExecutionOutcome {
		outcome.Kind = kind
		outcome.DurationMs = time.Since(start).Milliseconds()
		return outcome
	}

	decision := e.guard.Check(inv.Capability, inv.Args)
	outcome.Guardrail = &decision
	if !decision.Allowed {
		outcome.Err = decision.Reason
		return finish(models.OutcomeGuardrailBlocked)
	}

	handler, err := e.registry.Get(inv.Capability)
	if err != nil {
		logger.Error().
			Bool("fatal", true).
			Str("kind", "registry_misconfig").
			Err(err).
			Msg("❌ Capability not registered")
		outcome.Err = err.Error()
		return finish(models.OutcomeCapabilityNotFound)
	}

	timeout := e.timeoutFor(inv, handler)
	inv.TimeoutMs = timeout.Milliseconds()
	outcome.Invocation.TimeoutMs = inv.TimeoutMs

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned handler can always deliver and exit; its late
	// result is dropped with the channel.
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerReturn{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := handler.Invoke(callCtx, inv)
		done <- handlerReturn{result: res, err: err}
	}()

	logger.Debug().Int64("timeout_ms", inv.TimeoutMs).Msg("Dispatching invocation")

	select {
	case ret := <-done:
		return finish(e.classify(callCtx, ctx, &outcome, ret, logger))
	case <-callCtx.Done():
		if ctx.Err() != nil {
			outcome.Err = ctx.Err().Error()
			return finish(models.OutcomeCanceled)
		}
		logger.Warn().Int64("timeout_ms", inv.TimeoutMs).Msg("⏱️ Invocation timed out")
		outcome.Err = fmt.Sprintf("timed out after %s", timeout)
		return finish(models.OutcomeTimeout)
	}
}

func (e *Executor) classify(callCtx, parent context.Context, outcome *models.ExecutionOutcome, ret handlerReturn, logger zerolog.Logger) models.OutcomeKind {
	outcome.Result = ret.result
	switch {
	case ret.err != nil && parent.Err() != nil:
		outcome.Err = parent.Err().Error()
		return models.OutcomeCanceled
	case ret.err != nil && errors.Is(ret.err, context.DeadlineExceeded) && callCtx.Err() != nil:
		outcome.Err = "timed out"
		return models.OutcomeTimeout
	case ret.err != nil:
		outcome.Err = ret.err.Error()
	case ret.result == nil:
		outcome.Err = "handler returned no result"
	case !ret.result.OK:
		outcome.Err = ret.result.Error
		if outcome.Err == "" {
			outcome.Err = "handler reported failure"
		}
	default:
		return models.OutcomeCompleted
	}
	logger.Warn().Str("kind", "handler_error").Str("error", outcome.Err).Msg("Handler failed")
	return models.OutcomeHandlerError
}

// timeoutFor resolves the invocation timeout: invocation override, then the
// configured capability default, then the handler's own default, then the
// global default.
func (e *Executor) timeoutFor(inv models.ToolInvocation, h contracts.Handler) time.Duration {
	if inv.TimeoutMs > 0 {
		return time.Duration(inv.TimeoutMs) * time.Millisecond
	}
	if d, ok := e.timeouts[inv.Capability]; ok && d > 0 {
		return d
	}
	if ms := h.Spec().TimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return e.defaultTimeout
}
