package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// Peer is what a handshake learns about the far end.
type Peer struct {
	Identity envelope.Identity
	Limits   envelope.Limits
}

// ErrUnexpectedHello is returned when the first envelope on a link is not a HELLO.
var ErrUnexpectedHello = errors.New("expected HELLO")

// HandshakeInitiate sends our HELLO and waits for the peer's. An acceptor that
// refuses the connection answers with an ERROR, returned as *envelope.Error.
func HandshakeInitiate(ctx context.Context, l Link, local envelope.Identity, limits envelope.Limits) (Peer, error) {
	if err := l.Send(envelope.NewHello(local, limits.Normalize())); err != nil {
		return Peer{}, fmt.Errorf("failed to write HELLO: %w", err)
	}
	resp, err := recvContext(ctx, l)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to read HELLO response: %w", err)
	}
	switch resp.Kind {
	case envelope.KindHello:
	case envelope.KindError:
		return Peer{}, resp.Err
	default:
		return Peer{}, fmt.Errorf("%w, got %s", ErrUnexpectedHello, resp.Kind)
	}
	return finishHandshake(l, resp, limits), nil
}

// HandshakeAccept reads the peer's HELLO, asks admit whether to accept the
// peer, and answers with our HELLO or with the admission error.
func HandshakeAccept(ctx context.Context, l Link, local envelope.Identity, limits envelope.Limits, admit func(context.Context, envelope.Identity) error) (Peer, error) {
	hello, err := recvContext(ctx, l)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to read HELLO: %w", err)
	}
	if hello.Kind != envelope.KindHello {
		return Peer{}, fmt.Errorf("%w, got %s", ErrUnexpectedHello, hello.Kind)
	}
	if admit != nil {
		if err := admit(ctx, *hello.Sender); err != nil {
			_ = l.Send(envelope.NewError("", envelope.FromError(err)))
			return Peer{}, err
		}
	}
	if err := l.Send(envelope.NewHello(local, limits.Normalize())); err != nil {
		return Peer{}, fmt.Errorf("failed to write HELLO response: %w", err)
	}
	return finishHandshake(l, hello, limits), nil
}

func finishHandshake(l Link, hello *envelope.Envelope, limits envelope.Limits) Peer {
	negotiated := envelope.NegotiateLimits(limits, *hello.Limits)
	if setter, ok := l.(LimitSetter); ok {
		setter.SetLimits(negotiated)
	}
	return Peer{Identity: *hello.Sender, Limits: negotiated}
}

// recvContext receives one envelope, closing the link if ctx ends first.
func recvContext(ctx context.Context, l Link) (*envelope.Envelope, error) {
	type result struct {
		env *envelope.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := l.Recv()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}
