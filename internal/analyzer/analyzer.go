// Package analyzer implements the Result Analyzer: it turns a raw
// ExecutionOutcome into a Verdict using the capability's success criteria
// from the catalog. Analyze is pure.
package analyzer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
)

// Analyzer is read-only after New.
type Analyzer struct {
	catalog *catalog.Catalog
}

// New creates an analyzer over the capability table of c.
func New(c *catalog.Catalog) *Analyzer {
	return &Analyzer{catalog: c}
}

// Analyze classifies outcome against the success predicate of capability.
// Timeouts and transport or handler errors are Failure regardless of the
// predicate.
func (a *Analyzer) Analyze(capability string, outcome models.ExecutionOutcome) models.Verdict {
	switch outcome.Kind {
	case models.OutcomeCompleted:
	case models.OutcomeTimeout:
		return failure(models.ErrCodeTimeout, "timed out")
	case models.OutcomeGuardrailBlocked:
		return failure(models.ErrCodeGuardrailBlocked, outcome.Err)
	case models.OutcomeCapabilityNotFound:
		return failure(models.ErrCodeCapabilityNotFound, outcome.Err)
	case models.OutcomeCanceled:
		return failure(models.ErrCodeCanceled, "canceled")
	default:
		return failure(models.ErrCodeHandlerError, outcome.Err)
	}
	if outcome.Result == nil || !outcome.Result.OK {
		return failure(models.ErrCodeHandlerError, "handler reported failure")
	}

	criteria := a.catalog.Capability(capability).Success
	payload := outcome.Result.Payload

	switch criteria.Kind {
	case catalog.SuccessDeviceState:
		return deviceState(criteria, payload, outcome.Invocation.Args)
	case catalog.SuccessMinText:
		return minText(criteria, payload)
	case catalog.SuccessExitCode:
		return exitCode(criteria, payload)
	case catalog.SuccessNonEmpty:
		return nonEmpty(criteria, payload)
	default:
		return success("handler reported ok")
	}
}

// ── Predicates ───────────────────────────────────────────────

func deviceState(c catalog.SuccessCriteria, payload, args map[string]any) models.Verdict {
	field := orDefault(c.Field, "state")
	slot := orDefault(c.Slot, "state")

	want, _ := args[slot].(string)
	got, ok := payload[field]
	if !ok || got == nil {
		return partial("device did not report its state")
	}
	gotState := normalizeState(got)

	if want == "" || want == "toggle" {
		return success(fmt.Sprintf("device is %s", gotState))
	}
	if gotState != normalizeState(want) {
		return failure(models.ErrCodeHandlerError, fmt.Sprintf("device is %s, wanted %s", gotState, want))
	}
	return success(fmt.Sprintf("device is %s", gotState))
}

func minText(c catalog.SuccessCriteria, payload map[string]any) models.Verdict {
	field := orDefault(c.Field, "text")
	text, _ := payload[field].(string)
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n > c.MinLength {
		return success(fmt.Sprintf("extracted %d characters", n))
	}
	return partial(fmt.Sprintf("extracted only %d characters (need more than %d)", n, c.MinLength))
}

func exitCode(c catalog.SuccessCriteria, payload map[string]any) models.Verdict {
	field := orDefault(c.Field, "exit_code")
	code, ok := toInt(payload[field])
	if !ok {
		return success("command finished")
	}
	switch code {
	case 0:
	case 126, 127:
		// The shell could not run the command at all.
		return failure(models.ErrCodeHandlerError, fmt.Sprintf("command not runnable (status %d)", code))
	default:
		return partial(fmt.Sprintf("command exited with status %d", code))
	}
	return success("command exited with status 0")
}

func nonEmpty(c catalog.SuccessCriteria, payload map[string]any) models.Verdict {
	field := orDefault(c.Field, "content")
	switch v := payload[field].(type) {
	case string:
		if v != "" {
			return success(fmt.Sprintf("%s is not empty", field))
		}
	case []any:
		if len(v) > 0 {
			return success(fmt.Sprintf("%s is not empty", field))
		}
	case []string:
		if len(v) > 0 {
			return success(fmt.Sprintf("%s is not empty", field))
		}
	case nil:
	default:
		return success(fmt.Sprintf("%s is present", field))
	}
	return partial(fmt.Sprintf("%s is empty", field))
}

// ── Helpers ──────────────────────────────────────────────────

func success(reason string) models.Verdict {
	return models.Verdict{Status: models.VerdictSuccess, Reason: reason}
}

func partial(reason string) models.Verdict {
	return models.Verdict{Status: models.VerdictPartial, Reason: reason, Code: models.ErrCodePartial}
}

func failure(code models.ErrorCode, reason string) models.Verdict {
	if reason == "" {
		reason = string(code)
	}
	return models.Verdict{Status: models.VerdictFailure, Reason: reason, Code: code}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func normalizeState(v any) string {
	switch s := v.(type) {
	case bool:
		if s {
			return "on"
		}
		return "off"
	case string:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "on", "true", "1":
			return "on"
		case "off", "false", "0":
			return "off"
		default:
			return strings.ToLower(s)
		}
	default:
		return fmt.Sprint(v)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
