package analyzer_test

import (
	"strings"
	"testing"

	"github.com/halbridge/halbridge/internal/analyzer"
	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
)

func newTestAnalyzer(t *testing.T) *analyzer.Analyzer {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	return analyzer.New(c)
}

func completed(args, payload map[string]any) models.ExecutionOutcome {
	return models.ExecutionOutcome{
		Invocation: models.ToolInvocation{Args: args, Attempt: 1},
		Kind:       models.OutcomeCompleted,
		Result:     &models.HandlerResult{OK: true, Payload: payload},
	}
}

func TestAnalyze_FailureKinds(t *testing.T) {
	a := newTestAnalyzer(t)

	tests := []struct {
		kind models.OutcomeKind
		want models.ErrorCode
	}{
		{models.OutcomeTimeout, models.ErrCodeTimeout},
		{models.OutcomeHandlerError, models.ErrCodeHandlerError},
		{models.OutcomeGuardrailBlocked, models.ErrCodeGuardrailBlocked},
		{models.OutcomeCapabilityNotFound, models.ErrCodeCapabilityNotFound},
		{models.OutcomeCanceled, models.ErrCodeCanceled},
	}
	for _, tt := range tests {
		// A good-looking payload must not rescue a failed outcome.
		out := models.ExecutionOutcome{
			Kind:   tt.kind,
			Result: &models.HandlerResult{OK: true, Payload: map[string]any{"text": strings.Repeat("x", 500)}},
		}
		v := a.Analyze("web.fetch", out)
		if v.Status != models.VerdictFailure || v.Code != tt.want {
			t.Errorf("Analyze(%s) = %+v, want failure %s", tt.kind, v, tt.want)
		}
	}
}

func TestAnalyze_DeviceState(t *testing.T) {
	a := newTestAnalyzer(t)

	tests := []struct {
		name    string
		args    map[string]any
		payload map[string]any
		want    models.VerdictStatus
	}{
		{"match", map[string]any{"device": 2.0, "state": "on"}, map[string]any{"state": "on"}, models.VerdictSuccess},
		{"bool state", map[string]any{"state": "off"}, map[string]any{"state": false}, models.VerdictSuccess},
		{"mismatch", map[string]any{"state": "on"}, map[string]any{"state": "off"}, models.VerdictFailure},
		{"no state reported", map[string]any{"state": "on"}, map[string]any{}, models.VerdictPartial},
		{"toggle accepts any", map[string]any{"state": "toggle"}, map[string]any{"state": "off"}, models.VerdictSuccess},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			v := a.Analyze("iot.toggle", completed(tt.args, tt.payload))
			if v.Status != tt.want {
				t.Errorf("Analyze() = %+v, want %s", v, tt.want)
			}
		})
	}
}

func TestAnalyze_MinText(t *testing.T) {
	a := newTestAnalyzer(t)

	v := a.Analyze("web.fetch", completed(nil, map[string]any{"text": strings.Repeat("lorem ", 40)}))
	if v.Status != models.VerdictSuccess {
		t.Errorf("long text = %+v, want success", v)
	}

	v = a.Analyze("web.fetch", completed(nil, map[string]any{"text": "  tiny  "}))
	if v.Status != models.VerdictPartial || v.Code != models.ErrCodePartial {
		t.Errorf("near-empty text = %+v, want partial", v)
	}
}

func TestAnalyze_ExitCode(t *testing.T) {
	a := newTestAnalyzer(t)

	if v := a.Analyze("system.exec", completed(nil, map[string]any{"exit_code": 0})); v.Status != models.VerdictSuccess {
		t.Errorf("exit 0 = %+v, want success", v)
	}
	if v := a.Analyze("system.exec", completed(nil, map[string]any{"exit_code": 1.0})); v.Status != models.VerdictPartial {
		t.Errorf("exit 1 = %+v, want partial", v)
	}
	for _, code := range []float64{126, 127} {
		v := a.Analyze("system.exec", completed(nil, map[string]any{"exit_code": code}))
		if v.Status != models.VerdictFailure || v.Code != models.ErrCodeHandlerError {
			t.Errorf("exit %v = %+v, want handler failure", code, v)
		}
	}
}

func TestAnalyze_NonEmpty(t *testing.T) {
	a := newTestAnalyzer(t)

	if v := a.Analyze("file.read", completed(nil, map[string]any{"content": "hello"})); v.Status != models.VerdictSuccess {
		t.Errorf("content = %+v, want success", v)
	}
	if v := a.Analyze("file.read", completed(nil, map[string]any{"content": ""})); v.Status != models.VerdictPartial {
		t.Errorf("empty content = %+v, want partial", v)
	}
}

func TestAnalyze_NotOK(t *testing.T) {
	a := newTestAnalyzer(t)
	out := completed(nil, nil)
	out.Result.OK = false
	if v := a.Analyze("file.list", out); v.Status != models.VerdictFailure {
		t.Errorf("ok=false = %+v, want failure", v)
	}
}

func TestAnalyze_Pure(t *testing.T) {
	a := newTestAnalyzer(t)
	out := completed(map[string]any{"state": "on"}, map[string]any{"state": "on"})
	first := a.Analyze("iot.toggle", out)
	for i := 0; i < 5; i++ {
		if got := a.Analyze("iot.toggle", out); got != first {
			t.Fatalf("Analyze() run %d = %+v, want %+v", i, got, first)
		}
	}
}
