// Package envelope defines the messages exchanged between the page, the wallet
// host and worker processes, and their CBOR wire form.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind tags the variant carried by an Envelope.
type Kind uint8

const (
	KindHello       Kind = 0 // identity and limits exchange when a link opens
	KindMessage     Kind = 1 // unary request or response
	KindStream      Kind = 2 // response announcing a server stream on a sub-link
	KindInitChannel Kind = 3 // request to bind a sub-link to a named service
	KindChunk       Kind = 4 // one sequenced stream item
	KindStreamEnd   Kind = 5 // end of a stream, Sequence holds the item count
	KindError       Kind = 6 // request error, or transport error without a request id
	KindAbort       Kind = 7 // cancel the request with the same id
	KindDisconnect  Kind = 8 // tear down the logical link named by Channel
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindMessage:
		return "MESSAGE"
	case KindStream:
		return "STREAM"
	case KindInitChannel:
		return "INIT_CHANNEL"
	case KindChunk:
		return "CHUNK"
	case KindStreamEnd:
		return "STREAM_END"
	case KindError:
		return "ERROR"
	case KindAbort:
		return "ABORT"
	case KindDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// RequestID correlates a request with its response. Ids are random UUIDs in
// string form, unique among the live requests of one channel.
type RequestID string

// NewRequestID returns a fresh request id.
func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

// Envelope is one message on a link. Which fields are meaningful depends on Kind;
// Validate enforces the per-kind shape.
type Envelope struct {
	Kind      Kind
	Channel   uint64 // logical link id, 0 is the root link
	RequestID RequestID
	Method    string
	Service   string
	Link      uint64 // sub-link carrying a stream or a service channel
	Sequence  uint64
	Payload   []byte
	Err       *Error
	Limits    *Limits
	Sender    *Identity
}

// NewHello creates a HELLO envelope announcing the sender and its limits.
func NewHello(sender Identity, limits Limits) *Envelope {
	return &Envelope{Kind: KindHello, Sender: &sender, Limits: &limits}
}

// NewRequest creates a unary request for method.
func NewRequest(id RequestID, method string, args []byte) *Envelope {
	return &Envelope{Kind: KindMessage, RequestID: id, Method: method, Payload: args}
}

// NewResponse creates the unary response to id.
func NewResponse(id RequestID, result []byte) *Envelope {
	return &Envelope{Kind: KindMessage, RequestID: id, Payload: result}
}

// NewStream announces that the response to id is streamed on link.
func NewStream(id RequestID, link uint64) *Envelope {
	return &Envelope{Kind: KindStream, RequestID: id, Link: link}
}

// NewInitChannel asks the peer to serve service on link.
func NewInitChannel(id RequestID, service string, link uint64) *Envelope {
	return &Envelope{Kind: KindInitChannel, RequestID: id, Service: service, Link: link}
}

// NewChunk creates a stream item. The sequence is normally filled in by a SeqAssigner.
func NewChunk(payload []byte) *Envelope {
	return &Envelope{Kind: KindChunk, Payload: payload}
}

// NewStreamEnd closes a stream of count items.
func NewStreamEnd(count uint64) *Envelope {
	return &Envelope{Kind: KindStreamEnd, Sequence: count}
}

// NewError creates an error envelope. An empty id makes it a transport-level error.
func NewError(id RequestID, err *Error) *Envelope {
	return &Envelope{Kind: KindError, RequestID: id, Err: err}
}

// NewAbort cancels the request id.
func NewAbort(id RequestID) *Envelope {
	return &Envelope{Kind: KindAbort, RequestID: id}
}

// NewDisconnect tears down a logical link.
func NewDisconnect(channel uint64) *Envelope {
	return &Envelope{Kind: KindDisconnect, Channel: channel}
}

// IsRequestScoped reports whether the envelope settles or targets a request.
func (e *Envelope) IsRequestScoped() bool {
	switch e.Kind {
	case KindMessage, KindStream, KindInitChannel, KindAbort:
		return true
	case KindError:
		return e.RequestID != ""
	default:
		return false
	}
}

// Validate checks the fields required by the envelope's kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindHello:
		if e.Sender == nil {
			return fmt.Errorf("%s missing sender", e.Kind)
		}
		if e.Limits == nil {
			return fmt.Errorf("%s missing limits", e.Kind)
		}
	case KindMessage, KindAbort:
		if e.RequestID == "" {
			return fmt.Errorf("%s missing request id", e.Kind)
		}
	case KindStream:
		if e.RequestID == "" {
			return fmt.Errorf("%s missing request id", e.Kind)
		}
		if e.Link == 0 {
			return fmt.Errorf("%s missing stream link", e.Kind)
		}
	case KindInitChannel:
		if e.RequestID == "" {
			return fmt.Errorf("%s missing request id", e.Kind)
		}
		if e.Service == "" {
			return fmt.Errorf("%s missing service", e.Kind)
		}
		if e.Link == 0 {
			return fmt.Errorf("%s missing link", e.Kind)
		}
	case KindError:
		if e.Err == nil || e.Err.Code == "" {
			return fmt.Errorf("%s missing error code", e.Kind)
		}
	case KindChunk, KindStreamEnd, KindDisconnect:
	default:
		return fmt.Errorf("unknown envelope kind %d", uint8(e.Kind))
	}
	return nil
}

// String renders a short description for logs.
func (e *Envelope) String() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s(ch=%d id=%s)", e.Kind, e.Channel, e.RequestID)
	}
	return fmt.Sprintf("%s(ch=%d seq=%d)", e.Kind, e.Channel, e.Sequence)
}
