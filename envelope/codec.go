package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is carried in every encoded envelope.
const ProtocolVersion uint8 = 1

// CBOR map keys of the wire form.
const (
	keyVersion   = 0
	keyKind      = 1
	keyChannel   = 2
	keyRequestID = 3
	keyMethod    = 4
	keyService   = 5
	keyLink      = 6
	keySequence  = 7
	keyPayload   = 8
	keyError     = 9
	keyLimits    = 10
	keySender    = 11
)

type wireEnvelope struct {
	Version   *uint8    `cbor:"0,keyasint"`
	Kind      *uint8    `cbor:"1,keyasint"`
	Channel   uint64    `cbor:"2,keyasint,omitempty"`
	RequestID string    `cbor:"3,keyasint,omitempty"`
	Method    string    `cbor:"4,keyasint,omitempty"`
	Service   string    `cbor:"5,keyasint,omitempty"`
	Link      uint64    `cbor:"6,keyasint,omitempty"`
	Sequence  *uint64   `cbor:"7,keyasint,omitempty"`
	Payload   []byte    `cbor:"8,keyasint,omitempty"`
	Err       *Error    `cbor:"9,keyasint,omitempty"`
	Limits    *Limits   `cbor:"10,keyasint,omitempty"`
	Sender    *Identity `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed envelope")

// Encode validates and encodes an envelope to its CBOR wire form.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	version := ProtocolVersion
	kind := uint8(env.Kind)
	w := wireEnvelope{
		Version:   &version,
		Kind:      &kind,
		Channel:   env.Channel,
		RequestID: string(env.RequestID),
		Method:    env.Method,
		Service:   env.Service,
		Link:      env.Link,
		Payload:   env.Payload,
		Err:       env.Err,
		Limits:    env.Limits,
		Sender:    env.Sender,
	}
	if env.Kind == KindChunk || env.Kind == KindStreamEnd {
		seq := env.Sequence
		w.Sequence = &seq
	}
	return encMode.Marshal(w)
}

// Decode parses and validates one envelope. It is the only place untyped input
// becomes an Envelope; anything it rejects is a protocol fault for the caller.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Version == nil {
		return nil, fmt.Errorf("%w: missing version (key %d)", ErrMalformed, keyVersion)
	}
	if *w.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: invalid version %d, expected %d", ErrMalformed, *w.Version, ProtocolVersion)
	}
	if w.Kind == nil {
		return nil, fmt.Errorf("%w: missing kind (key %d)", ErrMalformed, keyKind)
	}
	env := &Envelope{
		Kind:      Kind(*w.Kind),
		Channel:   w.Channel,
		RequestID: RequestID(w.RequestID),
		Method:    w.Method,
		Service:   w.Service,
		Link:      w.Link,
		Payload:   w.Payload,
		Err:       w.Err,
		Limits:    w.Limits,
		Sender:    w.Sender,
	}
	if env.Kind == KindChunk || env.Kind == KindStreamEnd {
		if w.Sequence == nil {
			return nil, fmt.Errorf("%w: %s missing sequence (key %d)", ErrMalformed, env.Kind, keySequence)
		}
		env.Sequence = *w.Sequence
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// Marshal encodes a payload value with the envelope encoding options.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a payload value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
