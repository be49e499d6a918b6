package executor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halbridge/halbridge/internal/executor"
	"github.com/halbridge/halbridge/internal/guardrails"
	"github.com/halbridge/halbridge/internal/registry"
	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingGuard records how often Check runs and blocks capabilities in deny.
type countingGuard struct {
	calls atomic.Int32
	deny  map[string]bool
}

func (g *countingGuard) Check(capability string, args map[string]any) models.GuardrailDecision {
	g.calls.Add(1)
	if g.deny[capability] {
		return models.GuardrailDecision{Allowed: false, Rule: "test", Reason: "denied by test"}
	}
	return models.GuardrailDecision{Allowed: true}
}

func handler(name string, timeoutMs int64, fn func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error)) contracts.Handler {
	return contracts.HandlerFunc{Capability: models.CapabilitySpec{Name: name, TimeoutMs: timeoutMs}, Fn: fn}
}

func newTestExecutor(t *testing.T, guard contracts.Guard, handlers ...contracts.Handler) *executor.Executor {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(handlers...)
	return executor.New(reg, guard, executor.WithDefaultTimeout(time.Second))
}

func invocation(capability string) models.ToolInvocation {
	return models.ToolInvocation{DecisionID: "d-1", Capability: capability, Attempt: 1, Args: map[string]any{"x": "y"}}
}

func TestExecute_Completed(t *testing.T) {
	guard := &countingGuard{}
	ex := newTestExecutor(t, guard, handler("ok.cap", 0, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		return &models.HandlerResult{OK: true, Payload: map[string]any{"state": "on"}}, nil
	}))

	out := ex.Execute(context.Background(), invocation("ok.cap"))
	if out.Kind != models.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (err %q)", out.Kind, out.Err)
	}
	if out.Result == nil || out.Result.Payload["state"] != "on" {
		t.Errorf("Result = %+v", out.Result)
	}
	if got := guard.calls.Load(); got != 1 {
		t.Errorf("guard called %d times, want exactly 1", got)
	}
	if out.Invocation.TimeoutMs != 1000 {
		t.Errorf("TimeoutMs = %d, want global default 1000", out.Invocation.TimeoutMs)
	}
}

func TestExecute_GuardrailBlocksBeforeDispatch(t *testing.T) {
	var dispatched atomic.Bool
	guard := &countingGuard{deny: map[string]bool{"danger": true}}
	ex := newTestExecutor(t, guard, handler("danger", 0, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		dispatched.Store(true)
		return &models.HandlerResult{OK: true}, nil
	}))

	out := ex.Execute(context.Background(), invocation("danger"))
	if out.Kind != models.OutcomeGuardrailBlocked {
		t.Errorf("Kind = %q, want guardrail_blocked", out.Kind)
	}
	if dispatched.Load() {
		t.Error("handler ran although the guardrail blocked it")
	}
	if out.Guardrail == nil || out.Guardrail.Allowed {
		t.Errorf("Guardrail = %+v, want recorded block", out.Guardrail)
	}
	if guard.calls.Load() != 1 {
		t.Errorf("guard called %d times, want 1", guard.calls.Load())
	}
}

func TestExecute_CapabilityNotFound(t *testing.T) {
	guard := &countingGuard{}
	ex := newTestExecutor(t, guard)

	out := ex.Execute(context.Background(), invocation("ghost"))
	if out.Kind != models.OutcomeCapabilityNotFound {
		t.Errorf("Kind = %q, want capability_not_found", out.Kind)
	}
	if guard.calls.Load() != 1 {
		t.Errorf("guard called %d times, want 1", guard.calls.Load())
	}
}

func TestExecute_HandlerErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error)
		want string
	}{
		{
			name: "error",
			fn: func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
				return nil, errors.New("device unreachable")
			},
			want: "device unreachable",
		},
		{
			name: "not ok",
			fn: func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
				return &models.HandlerResult{OK: false, Error: "exit 2"}, nil
			},
			want: "exit 2",
		},
		{
			name: "nil result",
			fn: func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
				return nil, nil
			},
			want: "handler returned no result",
		},
		{
			name: "panic",
			fn: func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
				panic("boom")
			},
			want: "handler panic: boom",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ex := newTestExecutor(t, &countingGuard{}, handler("cap", 0, tt.fn))
			out := ex.Execute(context.Background(), invocation("cap"))
			if out.Kind != models.OutcomeHandlerError {
				t.Errorf("Kind = %q, want handler_error", out.Kind)
			}
			if out.Err != tt.want {
				t.Errorf("Err = %q, want %q", out.Err, tt.want)
			}
		})
	}
}

func TestExecute_TimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	ex := newTestExecutor(t, &countingGuard{}, handler("slow", 20, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		defer close(finished)
		<-release
		return &models.HandlerResult{OK: true}, nil
	}))

	out := ex.Execute(context.Background(), invocation("slow"))
	if out.Kind != models.OutcomeTimeout {
		t.Fatalf("Kind = %q, want timeout", out.Kind)
	}
	if out.Result != nil {
		t.Errorf("Result = %+v, want nil on timeout", out.Result)
	}

	close(release)
	<-finished
	if out.Kind != models.OutcomeTimeout || out.Result != nil {
		t.Error("late handler result leaked into the timed-out outcome")
	}
}

func TestExecute_TimeoutPrecedence(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(handler("cap", 5000, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		return &models.HandlerResult{OK: true}, nil
	}))

	ex := executor.New(reg, &countingGuard{})
	if got := ex.Execute(context.Background(), invocation("cap")).Invocation.TimeoutMs; got != 5000 {
		t.Errorf("handler default TimeoutMs = %d, want 5000", got)
	}

	ex = executor.New(reg, &countingGuard{}, executor.WithCapabilityTimeouts(map[string]time.Duration{"cap": 2 * time.Second}))
	if got := ex.Execute(context.Background(), invocation("cap")).Invocation.TimeoutMs; got != 2000 {
		t.Errorf("capability TimeoutMs = %d, want 2000", got)
	}

	inv := invocation("cap")
	inv.TimeoutMs = 300
	if got := ex.Execute(context.Background(), inv).Invocation.TimeoutMs; got != 300 {
		t.Errorf("invocation TimeoutMs = %d, want 300", got)
	}
}

func TestExecute_HandlerHonoringContextDoesNotLeak(t *testing.T) {
	ex := newTestExecutor(t, &countingGuard{}, handler("ctx", 10, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	for i := 0; i < 5; i++ {
		if out := ex.Execute(context.Background(), invocation("ctx")); out.Kind != models.OutcomeTimeout {
			t.Errorf("Kind = %q, want timeout", out.Kind)
		}
	}
}

func TestExecute_ParentCanceled(t *testing.T) {
	ex := newTestExecutor(t, &countingGuard{}, handler("wait", 0, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := ex.Execute(ctx, invocation("wait")); out.Kind != models.OutcomeCanceled {
		t.Errorf("Kind = %q, want canceled", out.Kind)
	}
}

func TestExecute_HandlerCannotMutateDecisionArgs(t *testing.T) {
	ex := newTestExecutor(t, &countingGuard{}, handler("mut", 0, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		inv.Args["x"] = "changed"
		return &models.HandlerResult{OK: true}, nil
	}))

	inv := invocation("mut")
	ex.Execute(context.Background(), inv)
	if inv.Args["x"] != "y" {
		t.Errorf("caller args mutated: %v", inv.Args)
	}
}

func TestExecute_WithRealFilter(t *testing.T) {
	f, err := guardrails.New([]models.GuardrailRule{{
		Name: "no-rm", Kind: models.GuardrailKeyword, Effect: models.GuardrailBlock, AppliesTo: "system.*", Keywords: []string{"rm -rf"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	ex := newTestExecutor(t, f, handler("system.exec", 0, func(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
		return &models.HandlerResult{OK: true}, nil
	}))

	inv := models.ToolInvocation{Capability: "system.exec", Attempt: 1, Args: map[string]any{"command": "rm -rf ~"}}
	if out := ex.Execute(context.Background(), inv); out.Kind != models.OutcomeGuardrailBlocked {
		t.Errorf("Kind = %q, want guardrail_blocked", out.Kind)
	}
}
