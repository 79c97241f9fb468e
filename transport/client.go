// Package transport implements request/response, server streams and named
// sub-channels over the logical links of a link.Mux.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

// DefaultStreamIdleTimeout bounds the wait between two stream items.
const DefaultStreamIdleTimeout = 20 * time.Second

type options struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
	idleTimeout    time.Duration
	reorderWindow  int
	maxChunk       int
}

// Option configures a Transport.
type Option func(*options)

// WithLogger sets the transport logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDefaultTimeout bounds calls whose context carries no deadline. Zero disables it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithStreamIdleTimeout bounds the wait between stream items. Zero disables it.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithReorderBuffer sets how many early stream items a reader holds. The
// default is the MaxReorderBuffer negotiated for the mux.
func WithReorderBuffer(n int) Option {
	return func(o *options) { o.reorderWindow = n }
}

// Transport is the client side of a channel. It is safe for concurrent use.
type Transport struct {
	mux     *link.Mux
	link    link.Link
	opts    options
	pending *PendingTable

	subsMu  sync.Mutex
	subs    map[string]*subEntry
	opening singleflight.Group

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// New creates a transport on the root link of mux. Closing the transport closes the mux.
// Stream items are held to the limits negotiated for mux.
func New(mux *link.Mux, opts ...Option) *Transport {
	limits := mux.Limits()
	o := options{
		logger:        zap.NewNop(),
		idleTimeout:   DefaultStreamIdleTimeout,
		reorderWindow: limits.MaxReorderBuffer,
		maxChunk:      limits.MaxChunk,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return newTransport(mux, mux.Root(), o)
}

func newTransport(mux *link.Mux, l link.Link, o options) *Transport {
	t := &Transport{
		mux:     mux,
		link:    l,
		opts:    o,
		pending: NewPendingTable(),
		subs:    make(map[string]*subEntry),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Call sends a unary request and waits for its response.
func (t *Transport) Call(ctx context.Context, method string, args []byte) ([]byte, error) {
	return t.Go(ctx, method, args).Wait()
}

// Go sends a unary request and returns its future without waiting. Ending ctx
// settles the future with the context's cause and tells the server to abort.
func (t *Transport) Go(ctx context.Context, method string, args []byte) *Future {
	id := envelope.NewRequestID()
	return t.roundTrip(ctx, envelope.NewRequest(id, method, args))
}

func (t *Transport) roundTrip(ctx context.Context, env *envelope.Envelope) *Future {
	if ctx.Err() != nil {
		f := newFuture(env.RequestID)
		f.settle(nil, context.Cause(ctx))
		return f
	}
	f, err := t.pending.Register(env.RequestID)
	if err != nil {
		f = newFuture(env.RequestID)
		f.settle(nil, err)
		return f
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.opts.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.defaultTimeout)
		f.onSettle(cancel)
	}
	id := env.RequestID
	stop := context.AfterFunc(ctx, func() {
		if t.pending.Settle(id, nil, context.Cause(ctx)) {
			if err := t.link.Send(envelope.NewAbort(id)); err != nil {
				t.opts.logger.Debug("abort not delivered", zap.String("request_id", string(id)), zap.Error(err))
			}
		}
	})
	f.onSettle(func() { stop() })

	if err := t.link.Send(env); err != nil {
		if errors.Is(err, link.ErrClosed) {
			err = closedError(err)
		}
		t.pending.Settle(id, nil, err)
	}
	return f
}

// Stream sends a request whose response is a stream of items.
func (t *Transport) Stream(ctx context.Context, method string, args []byte) (*StreamReader, error) {
	f := t.roundTrip(ctx, envelope.NewRequest(envelope.NewRequestID(), method, args))
	env, err := f.waitEnvelope()
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case envelope.KindStream:
	case envelope.KindError:
		return nil, env.Err
	default:
		return nil, protocolError("expected STREAM response to %s, got %s", method, env.Kind)
	}
	sub, err := t.mux.Accept(env.Link)
	if err != nil {
		return nil, closedError(err)
	}
	return newStreamReader(ctx, sub, t.opts), nil
}

// Done is closed when the transport has shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport shut down, or nil while it is open.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	return t.pending.Len()
}

// Close shuts the transport down, rejecting every pending request.
func (t *Transport) Close() error {
	t.shutdown(closedError(link.ErrClosed))
	return nil
}

func (t *Transport) readLoop() {
	for {
		env, err := t.link.Recv()
		if err != nil {
			if errors.Is(err, link.ErrClosed) {
				t.shutdown(closedError(err))
			} else {
				t.shutdown(&TransportError{Type: TransportErrorProtocol, Err: err})
			}
			return
		}

		switch env.Kind {
		case envelope.KindMessage, envelope.KindStream:
			if !t.pending.Settle(env.RequestID, env, nil) {
				t.discard(env)
			}
		case envelope.KindError:
			if env.RequestID == "" {
				t.opts.logger.Warn("transport error from peer", zap.Error(env.Err))
				t.shutdown(&TransportError{Type: TransportErrorRemote, Err: env.Err})
				return
			}
			if !t.pending.Settle(env.RequestID, env, nil) {
				t.discard(env)
			}
		default:
			t.opts.logger.Warn("unexpected envelope on client channel", zap.Stringer("kind", env.Kind))
			fault := protocolError("unexpected %s on client channel", env.Kind)
			if err := t.link.Send(envelope.NewError("", envelope.FromError(fault))); err != nil {
				t.opts.logger.Debug("fault not delivered", zap.Error(err))
			}
			t.shutdown(fault)
			return
		}
	}
}

// discard drops a response nobody waits for. A stream announced for an
// abandoned request is closed so the server stops producing it.
func (t *Transport) discard(env *envelope.Envelope) {
	t.opts.logger.Debug("dropping response for settled request",
		zap.String("request_id", string(env.RequestID)), zap.Stringer("kind", env.Kind))
	if env.Kind == envelope.KindStream {
		if sub, err := t.mux.Accept(env.Link); err == nil {
			sub.Close()
		}
	}
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = cause
		t.errMu.Unlock()

		n := t.pending.RejectAll(cause)
		if n > 0 {
			t.opts.logger.Debug("rejected pending requests", zap.Int("count", n), zap.Error(cause))
		}

		t.subsMu.Lock()
		subs := t.subs
		t.subs = make(map[string]*subEntry)
		t.subsMu.Unlock()
		for _, entry := range subs {
			entry.transport.Close()
		}

		t.link.Close()
		close(t.done)
	})
}
