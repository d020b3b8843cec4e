package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies a domain error for the transport layer.
type Code string

const (
	CodeValidation  Code = "VALIDATION"
	CodeForbidden   Code = "FORBIDDEN"
	CodeNotFound    Code = "NOT_FOUND"
	CodeConflict    Code = "CONFLICT"
	CodeNoModel     Code = "NO_MODEL"
	CodeUpstream    Code = "UPSTREAM"
	CodeTooLarge    Code = "TOO_LARGE"
	CodeUnsupported Code = "UNSUPPORTED"
)

// Error is a classified failure returned before any streaming starts.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func wrapError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of a domain error, or "" for anything else.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ErrEmptyResponse is reported when a stream ends cleanly without content.
var ErrEmptyResponse = errors.New("empty response from model")

// Friendly messages shown to the user in place of raw upstream errors.
const (
	MsgOutOfMemory   = "The model ran out of memory. Try a smaller model or a shorter conversation."
	MsgUnreachable   = "Could not reach the model server. Please check that it is running."
	MsgModelNotFound = "The selected model is not installed on the model server."
	MsgTimeout       = "The model took too long to respond. Please try again."
	MsgContextLength = "This conversation is too long for the model's context window. Start a new conversation or remove some files."
	MsgEmptyResponse = "The model returned an empty response. Please try again."
	MsgGeneric       = "Something went wrong while generating a response. Please try again."
)

var friendlyPatterns = []struct {
	match   func(s string) bool
	message string
}{
	{containsAny("out of memory", "requires more system memory", "oom-kill", "oomkilled", "signal: killed", "process killed", "was killed"), MsgOutOfMemory},
	{containsAny("connection refused", "econnrefused", "no such host", "connection reset"), MsgUnreachable},
	{func(s string) bool {
		return strings.Contains(s, "model") && (strings.Contains(s, "not found") || strings.Contains(s, "try pulling"))
	}, MsgModelNotFound},
	{containsAny("context length", "context window", "maximum context", "too many tokens", "num_ctx"), MsgContextLength},
	{containsAny("timeout", "timed out", "deadline exceeded"), MsgTimeout},
	{containsAny("empty response"), MsgEmptyResponse},
}

func containsAny(needles ...string) func(string) bool {
	return func(s string) bool {
		for _, n := range needles {
			if strings.Contains(s, n) {
				return true
			}
		}
		return false
	}
}

// FriendlyError translates an upstream failure into a short, safe message by
// matching known failure signatures. The raw error is never included.
func FriendlyError(err error) string {
	if err == nil {
		return MsgGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MsgTimeout
	}
	if errors.Is(err, ErrEmptyResponse) {
		return MsgEmptyResponse
	}
	s := strings.ToLower(err.Error())
	for _, p := range friendlyPatterns {
		if p.match(s) {
			return p.message
		}
	}
	return MsgGeneric
}
