package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

// UnaryFunc handles one unary request.
type UnaryFunc func(ctx context.Context, args []byte) ([]byte, error)

// StreamFunc handles one streaming request, writing items to w. Returning an
// error after items were written fails the stream at that point.
type StreamFunc func(ctx context.Context, args []byte, w *StreamWriter) error

// ServeMux routes requests by method name and channel requests by service name.
type ServeMux struct {
	mu       sync.RWMutex
	unary    map[string]UnaryFunc
	stream   map[string]StreamFunc
	services map[string]*ServeMux
}

// NewServeMux creates an empty ServeMux.
func NewServeMux() *ServeMux {
	return &ServeMux{
		unary:    make(map[string]UnaryFunc),
		stream:   make(map[string]StreamFunc),
		services: make(map[string]*ServeMux),
	}
}

// HandleUnary registers a unary method. It panics if method is already registered.
func (m *ServeMux) HandleUnary(method string, fn UnaryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustBeFree(method)
	m.unary[method] = fn
}

// HandleStream registers a streaming method. It panics if method is already registered.
func (m *ServeMux) HandleStream(method string, fn StreamFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mustBeFree(method)
	m.stream[method] = fn
}

// HandleService makes sub available to clients that open a sub-channel named service.
func (m *ServeMux) HandleService(service string, sub *ServeMux) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[service]; exists {
		panic(fmt.Sprintf("transport: service %q registered twice", service))
	}
	m.services[service] = sub
}

func (m *ServeMux) mustBeFree(method string) {
	_, u := m.unary[method]
	_, s := m.stream[method]
	if u || s {
		panic(fmt.Sprintf("transport: method %q registered twice", method))
	}
}

func (m *ServeMux) lookup(method string) (UnaryFunc, StreamFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unary[method], m.stream[method]
}

func (m *ServeMux) service(name string) *ServeMux {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[name]
}

// Server runs sessions that answer requests arriving on a mux.
type Server struct {
	handlers *ServeMux
	logger   *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server dispatching to handlers.
func NewServer(handlers *ServeMux, opts ...ServerOption) *Server {
	s := &Server{handlers: handlers, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve answers requests on the root link of m until the link closes or ctx
// ends. Every request still running when the session ends is cancelled.
// Serve returns nil when the peer disconnects and the fault otherwise.
func (s *Server) Serve(ctx context.Context, m *link.Mux) error {
	err := s.serveChannel(ctx, m, m.Root(), s.handlers, "")
	m.Close()
	return err
}

type session struct {
	mu      sync.Mutex
	pending map[envelope.RequestID]context.CancelFunc
	wg      sync.WaitGroup
}

func (ss *session) begin(parent context.Context, id envelope.RequestID) (context.Context, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, live := ss.pending[id]; live {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	ss.pending[id] = cancel
	return ctx, true
}

func (ss *session) end(id envelope.RequestID) {
	ss.mu.Lock()
	cancel, ok := ss.pending[id]
	delete(ss.pending, id)
	ss.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) serveChannel(ctx context.Context, m *link.Mux, l link.Link, handlers *ServeMux, service string) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	ss := &session{pending: make(map[envelope.RequestID]context.CancelFunc)}
	logger := s.logger
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	defer func() {
		cancel()
		stop()
		l.Close()
		ss.wg.Wait()
	}()

	for {
		env, err := l.Recv()
		if err != nil {
			if errors.Is(err, link.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Warn("session link failed", zap.Error(err))
			return err
		}

		switch env.Kind {
		case envelope.KindMessage:
			reqCtx, ok := ss.begin(ctx, env.RequestID)
			if !ok {
				logger.Warn("request collision", zap.String("request_id", string(env.RequestID)))
				collision := &TransportError{Type: TransportErrorCollision, Message: string(env.RequestID)}
				s.reply(logger, l, envelope.NewError(env.RequestID, envelope.FromError(collision)))
				continue
			}
			ss.wg.Add(1)
			go func(env *envelope.Envelope) {
				defer ss.wg.Done()
				defer ss.end(env.RequestID)
				s.dispatch(reqCtx, logger, m, l, handlers, env)
			}(env)

		case envelope.KindAbort:
			ss.end(env.RequestID)

		case envelope.KindInitChannel:
			sub := handlers.service(env.Service)
			if sub == nil {
				s.reply(logger, l, envelope.NewError(env.RequestID,
					envelope.Errorf(envelope.CodeNotFound, "unknown service %q", env.Service)))
				continue
			}
			child, err := m.Accept(env.Link)
			if err != nil {
				s.reply(logger, l, envelope.NewError(env.RequestID,
					envelope.Errorf(envelope.CodeInvalidArgument, "channel %d: %v", env.Link, err)))
				continue
			}
			ss.wg.Add(1)
			go func(name string) {
				defer ss.wg.Done()
				if err := s.serveChannel(ctx, m, child, sub, name); err != nil {
					logger.Debug("sub-channel ended", zap.String("service", name), zap.Error(err))
				}
			}(env.Service)
			s.reply(logger, l, envelope.NewResponse(env.RequestID, nil))

		case envelope.KindError:
			if env.RequestID == "" {
				logger.Warn("transport error from peer", zap.Error(env.Err))
				return &TransportError{Type: TransportErrorRemote, Err: env.Err}
			}
			logger.Debug("ignoring request error sent to server", zap.String("request_id", string(env.RequestID)))

		default:
			fault := protocolError("unexpected %s on server channel", env.Kind)
			logger.Warn("protocol fault", zap.Error(fault))
			s.reply(logger, l, envelope.NewError("", envelope.FromError(fault)))
			return fault
		}
	}
}

func (s *Server) dispatch(ctx context.Context, logger *zap.Logger, m *link.Mux, l link.Link, handlers *ServeMux, env *envelope.Envelope) {
	id := env.RequestID
	unary, stream := handlers.lookup(env.Method)
	switch {
	case unary != nil:
		result, err := s.runUnary(ctx, unary, env.Payload)
		if err != nil {
			logger.Debug("request failed", zap.String("method", env.Method), zap.String("request_id", string(id)), zap.Error(err))
			s.reply(logger, l, envelope.NewError(id, envelope.FromError(err)))
			return
		}
		s.reply(logger, l, envelope.NewResponse(id, result))

	case stream != nil:
		sub, linkID, err := m.Open()
		if err != nil {
			s.reply(logger, l, envelope.NewError(id, envelope.FromError(closedError(err))))
			return
		}
		defer sub.Close()
		s.reply(logger, l, envelope.NewStream(id, linkID))

		// The reader closing the stream link cancels the handler.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-sub.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		w := &StreamWriter{link: sub, maxChunk: m.Limits().MaxChunk}
		if err := s.runStream(ctx, stream, env.Payload, w); err != nil {
			logger.Debug("stream failed", zap.String("method", env.Method), zap.Uint64("items", w.Count()), zap.Error(err))
			s.reply(logger, sub, envelope.NewError("", envelope.FromError(err)))
			return
		}
		s.reply(logger, sub, w.end())

	default:
		s.reply(logger, l, envelope.NewError(id, envelope.Errorf(envelope.CodeUnimplemented, "unknown method %q", env.Method)))
	}
}

func (s *Server) runUnary(ctx context.Context, fn UnaryFunc, args []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = envelope.Errorf(envelope.CodeInternal, "handler panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

func (s *Server) runStream(ctx context.Context, fn StreamFunc, args []byte, w *StreamWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = envelope.Errorf(envelope.CodeInternal, "handler panic: %v", r)
		}
	}()
	return fn(ctx, args, w)
}

func (s *Server) reply(logger *zap.Logger, l link.Link, env *envelope.Envelope) {
	if err := l.Send(env); err != nil && !errors.Is(err, link.ErrClosed) {
		logger.Warn("failed to send reply", zap.Stringer("envelope", env), zap.Error(err))
	}
}

// StreamWriter writes the items of one server stream.
type StreamWriter struct {
	link     link.Link
	maxChunk int
	mu       sync.Mutex
	seq      envelope.SeqAssigner
}

// Send writes one item. Items above the negotiated MaxChunk are refused
// with ErrChunkTooLarge and not counted.
func (w *StreamWriter) Send(payload []byte) error {
	if w.maxChunk > 0 && len(payload) > w.maxChunk {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(payload), w.maxChunk)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	env := envelope.NewChunk(payload)
	w.seq.Assign(env)
	return w.link.Send(env)
}

// SendValue encodes v and writes it as one item.
func (w *StreamWriter) SendValue(v any) error {
	data, err := envelope.Marshal(v)
	if err != nil {
		return err
	}
	return w.Send(data)
}

// Count returns the number of items written.
func (w *StreamWriter) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq.Count()
}

// Done is closed when the reader stops listening.
func (w *StreamWriter) Done() <-chan struct{} {
	return w.link.Done()
}

func (w *StreamWriter) end() *envelope.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	env := envelope.NewStreamEnd(0)
	w.seq.Assign(env)
	return env
}
