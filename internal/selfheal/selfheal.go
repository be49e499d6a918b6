// Package selfheal implements the Self-Heal Controller: a per-decision
// state machine that retries the same capability with exponential backoff,
// escalates along the fallback chain, and ends Resolved or Exhausted.
//
// A Machine is confined to the task processing one RoutingDecision and is
// not safe for concurrent use. The Controller that creates machines is.
package selfheal

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// AttemptFunc executes and analyzes one invocation.
type AttemptFunc func(ctx context.Context, inv models.ToolInvocation) (models.ExecutionOutcome, models.Verdict)

// DecisionFunc observes every retry decision as it is made.
type DecisionFunc func(inv models.ToolInvocation, verdict models.Verdict, decision models.RetryDecision)

// Controller holds the retry policy.
type Controller struct {
	catalog     *catalog.Catalog
	maxAttempts int
	base        time.Duration
	maxBackoff  time.Duration
	sleep       Sleeper
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts sets the default number of attempts per capability.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the backoff base and cap.
func WithBackoff(base, maxBackoff time.Duration) Option {
	return func(c *Controller) {
		if base > 0 {
			c.base = base
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// New creates a controller. Per-intent max_attempts and accept_partial
// come from c.
func New(c *catalog.Catalog, opts ...Option) *Controller {
	ctrl := &Controller{
		catalog:     c,
		maxAttempts: DefaultMaxAttempts,
		base:        DefaultBackoffBase,
		maxBackoff:  DefaultBackoffCap,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ── Machine ──────────────────────────────────────────────────

// Machine is the state of one RoutingDecision.
type Machine struct {
	chain         []string
	index         int
	attempt       int
	maxAttempts   int
	acceptPartial bool
	state         models.HealState
	reasons       []string
	backoff       *backoff.ExponentialBackOff
}

// Start creates the machine for d in state Attempting with attempt 1 of
// the primary capability.
func (c *Controller) Start(d *models.RoutingDecision) *Machine {
	m := &Machine{
		chain:       d.FallbackChain,
		attempt:     1,
		maxAttempts: c.maxAttempts,
		state:       models.HealAttempting,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     c.base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         c.maxBackoff,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
	}
	if len(m.chain) == 0 {
		m.chain = []string{d.Capability}
	}
	if in, ok := c.catalog.Intent(d.Intent); ok {
		m.acceptPartial = in.AcceptPartial
		if in.MaxAttempts > 0 {
			m.maxAttempts = in.MaxAttempts
		}
	}
	m.backoff.Reset()
	return m
}

// State returns the current state.
func (m *Machine) State() models.HealState { return m.state }

// Current returns the capability and attempt number to dispatch next.
func (m *Machine) Current() (string, int) { return m.chain[m.index], m.attempt }

// Reasons returns the accumulated failure reasons, oldest first.
func (m *Machine) Reasons() []string { return m.reasons }

// Next applies the verdict of the current attempt and returns the decision.
func (m *Machine) Next(v models.Verdict) models.RetryDecision {
	capability := m.chain[m.index]
	decision := models.RetryDecision{Capability: capability}

	if m.state.Terminal() {
		decision.Action = models.RetryGiveUp
		return decision
	}

	if v.Status == models.VerdictSuccess || (v.Status == models.VerdictPartial && m.acceptPartial) {
		m.state = models.HealResolved
		decision.Action = models.RetryResolve
		return decision
	}

	m.reasons = append(m.reasons, fmt.Sprintf("%s attempt %d: %s", capability, m.attempt, v.Reason))

	switch v.Code {
	case models.ErrCodeGuardrailBlocked, models.ErrCodeCapabilityNotFound, models.ErrCodeCanceled:
		m.state = models.HealExhausted
		decision.Action = models.RetryGiveUp
		return decision
	}

	if m.attempt < m.maxAttempts {
		m.state = models.HealRetrying
		m.attempt++
		decision.Action = models.RetryRetry
		decision.NextCapability = capability
		decision.NextAttempt = m.attempt
		decision.BackoffMs = m.backoff.NextBackOff().Milliseconds()
		return decision
	}

	if m.index+1 < len(m.chain) {
		m.state = models.HealEscalating
		m.index++
		m.attempt = 1
		m.backoff.Reset()
		decision.Action = models.RetryEscalate
		decision.NextCapability = m.chain[m.index]
		decision.NextAttempt = 1
		return decision
	}

	m.state = models.HealExhausted
	decision.Action = models.RetryGiveUp
	return decision
}

func (m *Machine) cancel(err error) {
	m.reasons = append(m.reasons, fmt.Sprintf("canceled during backoff: %v", err))
	m.state = models.HealExhausted
}

// ── Run loop ─────────────────────────────────────────────────

// Run drives d to a terminal state. Attempts are strictly sequential;
// backoff suspends only the calling goroutine.
func (c *Controller) Run(ctx context.Context, d *models.RoutingDecision, attempt AttemptFunc, observe DecisionFunc) *models.Resolution {
	m := c.Start(d)
	res := &models.Resolution{DecisionID: d.ID, Intent: d.Intent}
	args := d.Args.Args()

	logger := log.With().Str("decision_id", d.ID).Str("intent", d.Intent).Logger()

	for {
		capability, n := m.Current()
		inv := models.ToolInvocation{
			DecisionID: d.ID,
			Capability: capability,
			Args:       args,
			Attempt:    n,
			StartedAt:  time.Now().UTC(),
		}

		outcome, verdict := attempt(ctx, inv)
		res.Capability = capability
		res.Verdict = verdict
		res.Attempts = append(res.Attempts, models.AttemptRecord{
			Capability: capability,
			Attempt:    n,
			Outcome:    outcome.Kind,
			Verdict:    verdict,
			StartedAt:  inv.StartedAt,
			DurationMs: outcome.DurationMs,
		})
		if outcome.Result != nil {
			res.Payload = outcome.Result.Payload
		}

		decision := m.Next(verdict)
		res.Decisions = append(res.Decisions, decision)
		if observe != nil {
			observe(inv, verdict, decision)
		}

		switch decision.Action {
		case models.RetryRetry:
			logger.Info().
				Str("capability", capability).
				Int("next_attempt", decision.NextAttempt).
				Int64("backoff_ms", decision.BackoffMs).
				Str("reason", verdict.Reason).
				Msg("🔄 Retrying capability")
		case models.RetryEscalate:
			logger.Info().
				Str("from", capability).
				Str("to", decision.NextCapability).
				Msg("⤴️ Escalating to alternate capability")
		}

		if m.State().Terminal() {
			break
		}
		if decision.BackoffMs > 0 {
			if err := c.sleep(ctx, time.Duration(decision.BackoffMs)*time.Millisecond); err != nil {
				m.cancel(err)
				res.Verdict = models.Verdict{Status: models.VerdictFailure, Reason: "canceled", Code: models.ErrCodeCanceled}
				break
			}
		}
	}

	res.State = m.State()
	res.Reasons = m.Reasons()
	if res.State == models.HealExhausted {
		res.Payload = nil
		logger.Warn().
			Int("attempts", len(res.Attempts)).
			Strs("reasons", res.Reasons).
			Msg("Decision exhausted")
	}
	return res
}
