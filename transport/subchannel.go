package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
)

type subEntry struct {
	transport *Transport
	refs      int
}

// SubChannel is a shared handle on the child transport bound to one service.
// Every handle must be released; the last release closes the child channel.
type SubChannel struct {
	*Transport
	service string
	parent  *Transport
	once    sync.Once
}

// Service returns the service name the channel is bound to.
func (s *SubChannel) Service() string {
	return s.service
}

// Release gives up this handle. It is safe to call more than once.
func (s *SubChannel) Release() {
	s.once.Do(func() { s.parent.release(s.service, s.Transport) })
}

// OpenSubChannel returns a handle on the channel for service, negotiating it
// with the server on first use. Concurrent first users share one negotiation.
func (t *Transport) OpenSubChannel(ctx context.Context, service string) (*SubChannel, error) {
	for {
		select {
		case <-t.done:
			return nil, t.Err()
		default:
		}

		t.subsMu.Lock()
		if entry, ok := t.subs[service]; ok {
			select {
			case <-entry.transport.Done():
				delete(t.subs, service)
			default:
				entry.refs++
				t.subsMu.Unlock()
				return &SubChannel{Transport: entry.transport, service: service, parent: t}, nil
			}
		}
		t.subsMu.Unlock()

		if _, err, _ := t.opening.Do(service, func() (any, error) {
			return nil, t.initChannel(ctx, service)
		}); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) initChannel(ctx context.Context, service string) error {
	t.subsMu.Lock()
	_, exists := t.subs[service]
	t.subsMu.Unlock()
	if exists {
		return nil
	}

	sub, linkID, err := t.mux.Open()
	if err != nil {
		return closedError(err)
	}
	f := t.roundTrip(ctx, envelope.NewInitChannel(envelope.NewRequestID(), service, linkID))
	env, err := f.waitEnvelope()
	if err != nil {
		sub.Close()
		return err
	}
	switch env.Kind {
	case envelope.KindMessage:
	case envelope.KindError:
		sub.Close()
		return env.Err
	default:
		sub.Close()
		return protocolError("expected acknowledgement of channel %s, got %s", service, env.Kind)
	}

	child := newTransport(t.mux, sub, t.opts)
	t.subsMu.Lock()
	select {
	case <-t.done:
		t.subsMu.Unlock()
		child.Close()
		return t.Err()
	default:
	}
	t.subs[service] = &subEntry{transport: child}
	t.subsMu.Unlock()
	t.opts.logger.Debug("sub-channel opened", zap.String("service", service), zap.Uint64("link", linkID))
	return nil
}

func (t *Transport) release(service string, child *Transport) {
	t.subsMu.Lock()
	entry, ok := t.subs[service]
	if !ok || entry.transport != child {
		t.subsMu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		t.subsMu.Unlock()
		return
	}
	delete(t.subs, service)
	t.subsMu.Unlock()
	child.Close()
	t.opts.logger.Debug("sub-channel closed", zap.String("service", service))
}
