package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool failures so layered code can branch before the
// string boundary.
type ErrorKind string

const (
	// KindDenied covers policy denials, rails matches, Guardian blocks, and
	// rejected plans.
	KindDenied ErrorKind = "denied"

	// KindTimeout covers execution deadlines and unapproved plans.
	KindTimeout ErrorKind = "timeout"

	// KindUpstream covers provider and network failures; the model can adapt.
	KindUpstream ErrorKind = "upstream"

	// KindInvariant covers malformed input and broken internal assumptions.
	KindInvariant ErrorKind = "invariant"

	// KindRuntime covers unexpected failures inside a tool.
	KindRuntime ErrorKind = "runtime"
)

// Error is a classified tool failure. At the model boundary it is rendered
// as an "Error: ..." string; internally callers match on Kind.
type Error struct {
	Kind    ErrorKind
	Message string

	// Code and Body are set for KindUpstream only.
	Code int
	Body string
}

func (e *Error) Error() string {
	if e.Kind == KindUpstream && e.Code != 0 {
		return fmt.Sprintf("upstream %d: %s", e.Code, e.Message)
	}
	return e.Message
}

// ResultString renders the error in the fixed boundary format returned to
// the model.
func (e *Error) ResultString() string {
	return "Error: " + e.Error()
}

// Denied builds a KindDenied error.
func Denied(format string, args ...any) *Error {
	return &Error{Kind: KindDenied, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf builds a KindTimeout error.
func Timeoutf(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Upstream builds a KindUpstream error from a provider response.
func Upstream(code int, body string) *Error {
	return &Error{Kind: KindUpstream, Message: body, Code: code, Body: body}
}

// Invariant builds a KindInvariant error.
func Invariant(format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Message: fmt.Sprintf(format, args...)}
}

// Runtimef builds a KindRuntime error.
func Runtimef(format string, args ...any) *Error {
	return &Error{Kind: KindRuntime, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error, defaulting to KindRuntime.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindRuntime
}

// AsResult formats any error in the boundary format.
func AsResult(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.ResultString()
	}
	return "Error: " + err.Error()
}
