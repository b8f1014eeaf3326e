// Package kernelerr defines the error taxonomy shared across the channel
// manager, session manager, submission dispatcher, agentic loop, and webhook
// router. Every user-visible error surfaced by those packages is a Kind plus
// a short prose message; internal detail (stack traces, wrapped causes) is
// logged, never returned to a channel.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by origin.
type Kind string

const (
	KindConfig    Kind = "config"
	KindTransport Kind = "transport"
	KindLLM       Kind = "llm"
	KindTool      Kind = "tool"
	KindJob       Kind = "job"
	KindSafety    Kind = "safety"
	KindWebhook   Kind = "webhook"
)

// Error is the shared error type across the kernel packages.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// UserMessage returns the short prose sentence safe to show a human, with no
// internal stack or cause detail.
func (e *Error) UserMessage() string {
	if e.Message == "" {
		return "something went wrong"
	}
	return e.Message
}

// New constructs a kernel error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a kernel error that also carries an internal cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Retriable marks an error as retriable (used for the single architectural
// context-length-exceeded retry).
func Retriable(err *Error) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Retriable = true
	return &clone
}

// ErrContextLengthExceeded is the sentinel LLM-kind error the agentic loop
// recognizes as triggering the one-shot compaction-and-retry path. Providers
// are expected to wrap this (via errors.Is-compatible wrapping) when the
// underlying API reports a context-window overflow.
var ErrContextLengthExceeded = New(KindLLM, "context length exceeded")

// ErrApprovalRequired is a control signal, not a terminal error: it marks a
// submission/loop run as paused pending human approval, not failed.
var ErrApprovalRequired = New(KindJob, "approval required")

// IsContextLengthExceeded reports whether err (or something it wraps) is the
// context-length-exceeded sentinel.
func IsContextLengthExceeded(err error) bool {
	return errors.Is(err, ErrContextLengthExceeded)
}

// Of extracts a *Error from err if present.
func Of(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
