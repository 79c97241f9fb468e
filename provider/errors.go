package provider

import (
	"errors"
	"fmt"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// FailureKind says what a page can do about a failed connection.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureDenied: the user refused the connection.
	FailureDenied
	// FailureNeedsLogin: the provider is present but locked.
	FailureNeedsLogin
	// FailureUnavailable: the provider is absent or unreachable.
	FailureUnavailable
	// FailureBadResponse: the provider answered with something unusable.
	FailureBadResponse
)

func (k FailureKind) String() string {
	switch k {
	case FailureDenied:
		return "Denied"
	case FailureNeedsLogin:
		return "NeedsLogin"
	case FailureUnavailable:
		return "Unavailable"
	case FailureBadResponse:
		return "BadResponse"
	default:
		return "Unknown"
	}
}

// RequestFailure is a failed attempt to reach a provider.
type RequestFailure struct {
	Kind   FailureKind
	Origin string
	Err    error
}

func (e *RequestFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Origin, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Origin, e.Kind, e.Err)
}

func (e *RequestFailure) Unwrap() error {
	return e.Err
}

// Is matches another RequestFailure of the same kind.
func (e *RequestFailure) Is(target error) bool {
	t, ok := target.(*RequestFailure)
	return ok && t.Kind == e.Kind && (t.Origin == "" || t.Origin == e.Origin)
}

// Code implements envelope.Coder.
func (e *RequestFailure) Code() envelope.Code {
	switch e.Kind {
	case FailureDenied:
		return envelope.CodePermissionDenied
	case FailureNeedsLogin:
		return envelope.CodeUnauthenticated
	case FailureUnavailable:
		return envelope.CodeUnavailable
	case FailureBadResponse:
		return envelope.CodeInternal
	default:
		return envelope.CodeUnknown
	}
}

var (
	ErrDenied      = &RequestFailure{Kind: FailureDenied}
	ErrNeedsLogin  = &RequestFailure{Kind: FailureNeedsLogin}
	ErrUnavailable = &RequestFailure{Kind: FailureUnavailable}

	ErrNotAttached     = errors.New("client is not attached to a provider")
	ErrAlreadyAttached = errors.New("client already attached to a different provider")
)

// classify turns a handshake refusal into a failure kind.
func classify(origin string, err error) *RequestFailure {
	var rf *RequestFailure
	if errors.As(err, &rf) {
		return rf
	}
	kind := FailureUnavailable
	var wire *envelope.Error
	if errors.As(err, &wire) {
		switch wire.Code {
		case envelope.CodePermissionDenied:
			kind = FailureDenied
		case envelope.CodeUnauthenticated:
			kind = FailureNeedsLogin
		case envelope.CodeUnavailable:
			kind = FailureUnavailable
		default:
			kind = FailureBadResponse
		}
	}
	return &RequestFailure{Kind: kind, Origin: origin, Err: err}
}
