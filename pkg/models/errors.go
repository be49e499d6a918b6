package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the pipeline error taxonomy.
type ErrorCode string

const (
	ErrCodeUnroutableIntent   ErrorCode = "UnroutableIntent"
	ErrCodeIncompleteSlots    ErrorCode = "IncompleteSlots"
	ErrCodeGuardrailBlocked   ErrorCode = "GuardrailBlocked"
	ErrCodeCapabilityNotFound ErrorCode = "CapabilityNotFound"
	ErrCodeHandlerError       ErrorCode = "HandlerError"
	ErrCodeTimeout            ErrorCode = "Timeout"
	ErrCodeExhausted          ErrorCode = "Exhausted"
	ErrCodeCanceled           ErrorCode = "Canceled"
	ErrCodePartial            ErrorCode = "PartialResult"
)

var (
	ErrUnroutableIntent   = errors.New("unroutable intent")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrExhausted          = errors.New("retries and fallbacks exhausted")
)

// PipelineError is the final, user-visible failure of a structured action.
type PipelineError struct {
	Code       ErrorCode       `json:"code"`
	Capability string          `json:"capability"`
	Reason     string          `json:"reason"`
	Attempts   []AttemptRecord `json:"attempts,omitempty"`
	Err        error           `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Capability, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Capability, e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Message renders the explanation shown to the user. It is built from the
// error code only and never includes collaborator error text.
func (e *PipelineError) Message() string {
	return UserMessage(e.Capability, e.Code)
}

// UserMessage names the attempted action and the final reason.
func UserMessage(capability string, code ErrorCode) string {
	action := strings.ReplaceAll(capability, ".", " ")
	if action == "" {
		action = "the requested action"
	}
	switch code {
	case ErrCodeGuardrailBlocked:
		return fmt.Sprintf("I did not run %q: it was blocked by a safety rule.", action)
	case ErrCodeCapabilityNotFound:
		return fmt.Sprintf("I cannot run %q: no handler is registered for it.", action)
	case ErrCodeTimeout:
		return fmt.Sprintf("%q did not finish in time, even after retrying.", action)
	case ErrCodeHandlerError:
		return fmt.Sprintf("%q failed, even after retrying.", action)
	case ErrCodePartial:
		return fmt.Sprintf("%q only partially succeeded.", action)
	case ErrCodeCanceled:
		return fmt.Sprintf("%q was canceled.", action)
	default:
		return fmt.Sprintf("%q could not be completed.", action)
	}
}
