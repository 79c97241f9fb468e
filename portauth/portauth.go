// Package portauth binds a link to the identities observed when it opened and
// refuses any envelope that claims to come from somewhere else.
package portauth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

// ErrMissingIdentity means identity information was absent where it is required.
// It is a precondition failure, never a soft mismatch.
var ErrMissingIdentity = errors.New("missing sender identity")

// MismatchError reports the first identity field that differs.
type MismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("sender %s mismatch: expected %q, got %q", e.Field, e.Expected, e.Actual)
}

// Code implements envelope.Coder.
func (e *MismatchError) Code() envelope.Code {
	return envelope.CodePermissionDenied
}

// AssertMatching compares two identities field by field.
func AssertMatching(expected, actual *envelope.Identity) error {
	if expected == nil || actual == nil || expected.IsZero() || actual.IsZero() {
		return ErrMissingIdentity
	}
	switch {
	case expected.ProcessID != actual.ProcessID:
		return &MismatchError{Field: "process", Expected: fmt.Sprint(expected.ProcessID), Actual: fmt.Sprint(actual.ProcessID)}
	case expected.DocumentID != actual.DocumentID:
		return &MismatchError{Field: "document", Expected: expected.DocumentID, Actual: actual.DocumentID}
	case expected.FrameID != actual.FrameID:
		return &MismatchError{Field: "frame", Expected: fmt.Sprint(expected.FrameID), Actual: fmt.Sprint(actual.FrameID)}
	case expected.Origin != actual.Origin:
		return &MismatchError{Field: "origin", Expected: expected.Origin, Actual: actual.Origin}
	case expected.URL != actual.URL:
		return &MismatchError{Field: "url", Expected: expected.URL, Actual: actual.URL}
	}
	return nil
}

type guarded struct {
	link.Link
	local  envelope.Identity
	remote envelope.Identity

	mu  sync.Mutex
	err error
}

// Guard wraps l so that every outbound envelope carries local as its sender
// and every inbound envelope must carry exactly remote. The first violation
// closes the link; Recv then keeps returning that violation.
func Guard(l link.Link, local, remote *envelope.Identity) (link.Link, error) {
	if local == nil || remote == nil || local.IsZero() || remote.IsZero() {
		return nil, ErrMissingIdentity
	}
	return &guarded{Link: l, local: *local, remote: *remote}, nil
}

func (g *guarded) Send(env *envelope.Envelope) error {
	sender := g.local
	env.Sender = &sender
	return g.Link.Send(env)
}

func (g *guarded) Recv() (*envelope.Envelope, error) {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return nil, err
	}
	g.mu.Unlock()

	env, err := g.Link.Recv()
	if err != nil {
		return nil, err
	}
	if err := AssertMatching(&g.remote, env.Sender); err != nil {
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		g.Link.Close()
		return nil, err
	}
	return env, nil
}
