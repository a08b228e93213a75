package heal

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes engine and collaborator errors, orthogonal to phase.
type Code string

const (
	// CodeTransient is retryable within the invoking phase's retry budget:
	// network failure, 5xx, rate limit, timeout of a single attempt.
	CodeTransient Code = "TRANSIENT"

	// CodeInvalidInput is a caller or contract violation. Terminal.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeCompilationFailed is patcher-specific. Triggers the
	// PATCH -> DIAGNOSE feedback edge, never a retry of the patcher.
	CodeCompilationFailed Code = "COMPILATION_FAILED"

	// CodeTestFailed triggers the TEST -> DIAGNOSE feedback edge.
	CodeTestFailed Code = "TEST_FAILED"

	// CodeProofFailed is terminal for the case.
	CodeProofFailed Code = "PROOF_FAILED"

	// CodeMergeBlocked is terminal for the case.
	CodeMergeBlocked Code = "MERGE_BLOCKED"

	// CodeTimeout is the case-level deadline expiry. Per-attempt timeouts
	// are classified TRANSIENT by the dispatcher.
	CodeTimeout Code = "TIMEOUT"

	// CodeCancelled marks cooperative shutdown. Terminal, distinguished
	// from failure for metrics.
	CodeCancelled Code = "CANCELLED"

	// CodeInternal is an unexpected engine error. Terminal.
	CodeInternal Code = "INTERNAL"

	// CodeIngressRejected marks a malformed or ineligible failure event.
	CodeIngressRejected Code = "INGRESS_REJECTED"

	// CodeIngressStale marks an event older than the stale cutoff.
	CodeIngressStale Code = "INGRESS_STALE"

	// CodeBackpressure marks admission refused on a full buffer.
	CodeBackpressure Code = "BACKPRESSURE"
)

// Error is a classified engine error. The dispatcher classifies collaborator
// failures into codes; the engine branches on the code alone. Message must
// already be redacted before the error is journaled or emitted.
type Error struct {
	Code    Code
	Phase   State
	Message string
	Details map[string]string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s (phase=%s)", e.Code, e.Message, e.Phase)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the dispatcher may retry the failed attempt.
func (e *Error) Retryable() bool {
	return e.Code == CodeTransient
}

// NewError creates a classified error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithPhase returns a copy annotated with the invoking phase.
func (e *Error) WithPhase(phase State) *Error {
	cp := *e
	cp.Phase = phase
	return &cp
}

// WithDetail returns a copy with one detail attached.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf extracts the classification of err. Unclassified errors are
// INTERNAL; context cancellation maps to CANCELLED.
func CodeOf(err error) Code {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// IsTransient reports whether err is classified TRANSIENT.
func IsTransient(err error) bool { return CodeOf(err) == CodeTransient }

// IsCancelled reports whether err is classified CANCELLED.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }

// IsCompilationFailed reports whether err triggers the patch feedback edge.
func IsCompilationFailed(err error) bool { return CodeOf(err) == CodeCompilationFailed }

// IsTimeout reports whether err is the case-level deadline expiry.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }
