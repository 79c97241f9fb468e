package transport

import (
	"errors"
	"fmt"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// TransportErrorType classifies failures of the channel itself, as opposed to
// errors returned by a remote handler.
type TransportErrorType int

const (
	// TransportErrorClosed means the link went away before a response arrived.
	TransportErrorClosed TransportErrorType = iota
	// TransportErrorProtocol means the peer sent something the protocol does not allow.
	TransportErrorProtocol
	// TransportErrorRemote means the peer reported a transport-level error.
	TransportErrorRemote
	// TransportErrorTimeout means a stream went idle for too long.
	TransportErrorTimeout
	// TransportErrorCollision means a request id was reused while still live.
	TransportErrorCollision
)

// TransportError is a channel-level failure.
type TransportError struct {
	Type    TransportErrorType
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	var prefix string
	switch e.Type {
	case TransportErrorClosed:
		prefix = "transport closed"
	case TransportErrorProtocol:
		prefix = "protocol fault"
	case TransportErrorRemote:
		prefix = "remote transport error"
	case TransportErrorTimeout:
		prefix = "stream idle timeout"
	case TransportErrorCollision:
		prefix = "request collision"
	default:
		prefix = "transport error"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches another TransportError of the same type, so the package
// sentinels work with errors.Is regardless of message or cause.
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && t.Type == e.Type
}

// Code implements envelope.Coder.
func (e *TransportError) Code() envelope.Code {
	switch e.Type {
	case TransportErrorClosed:
		return envelope.CodeUnavailable
	case TransportErrorTimeout:
		return envelope.CodeDeadlineExceeded
	case TransportErrorCollision:
		return envelope.CodeAlreadyExists
	default:
		return envelope.CodeInternal
	}
}

var (
	// ErrClosed matches every failure caused by the channel closing.
	ErrClosed = &TransportError{Type: TransportErrorClosed}
	// ErrProtocol matches every protocol fault.
	ErrProtocol = &TransportError{Type: TransportErrorProtocol}
	// ErrIdleTimeout matches streams that stopped producing items.
	ErrIdleTimeout = &TransportError{Type: TransportErrorTimeout}
	// ErrCollision matches a request id reused while still pending.
	ErrCollision = &TransportError{Type: TransportErrorCollision}
)

// ErrChunkTooLarge is returned for a stream item above the negotiated MaxChunk.
var ErrChunkTooLarge = errors.New("stream item exceeds max_chunk")

func closedError(cause error) *TransportError {
	return &TransportError{Type: TransportErrorClosed, Err: cause}
}

func protocolError(format string, args ...any) *TransportError {
	return &TransportError{Type: TransportErrorProtocol, Message: fmt.Sprintf(format, args...)}
}
