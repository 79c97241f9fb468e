package envelope

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies an error carried on the wire.
type Code string

const (
	CodeCanceled           Code = "canceled"
	CodeUnknown            Code = "unknown"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeDeadlineExceeded   Code = "deadline_exceeded"
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodePermissionDenied   Code = "permission_denied"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeAborted            Code = "aborted"
	CodeUnimplemented      Code = "unimplemented"
	CodeInternal           Code = "internal"
	CodeUnavailable        Code = "unavailable"
)

// Coder is implemented by errors that know their wire code.
type Coder interface {
	Code() Code
}

// Error is the error payload of an ERROR envelope.
type Error struct {
	Code    Code              `cbor:"1,keyasint"`
	Message string            `cbor:"2,keyasint,omitempty"`
	Details map[string]string `cbor:"3,keyasint,omitempty"`
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches any target that reports the same code, so a remote error can be
// compared against a local sentinel of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == e.Code && t.Message == e.Message
	case Coder:
		return t.Code() == e.Code
	}
	return false
}

// CodeOf classifies err. Wire errors keep their code; local errors implementing
// Coder report their own; context errors map to canceled and deadline_exceeded.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	}
	return CodeUnknown
}

// FromError converts any error into its wire form.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}
