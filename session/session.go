// Package session accepts page connections on the wallet host. Each accepted
// connection is admitted by origin, bound to the identity it presented, and
// served by a transport server until either side goes away.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/custody"
	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
	"github.com/machinefabric/shieldwire-go/portauth"
	"github.com/machinefabric/shieldwire-go/sites"
	"github.com/machinefabric/shieldwire-go/transport"
)

// SiteStore is where standing origin answers live.
type SiteStore interface {
	Lookup(ctx context.Context, origin string) (sites.Choice, bool, error)
	Set(ctx context.Context, origin string, choice sites.Choice) error
}

// Prompt asks the user whether a page may connect.
type Prompt func(ctx context.Context, peer envelope.Identity) (sites.Choice, error)

// LoginState reports whether the wallet is unlocked.
type LoginState interface {
	LoggedIn(ctx context.Context) (bool, error)
}

// ErrConnectionDenied is the handshake answer for an origin the user refused.
var ErrConnectionDenied = envelope.Errorf(envelope.CodePermissionDenied, "connection denied")

// Session is one admitted connection.
type Session struct {
	ID      string
	Peer    envelope.Identity
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that ended the session, or nil for a clean end.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Close ends the session and cancels its running requests.
func (s *Session) Close() {
	s.cancel()
}

// Manager admits and tracks sessions.
type Manager struct {
	local   envelope.Identity
	limits  envelope.Limits
	server  *transport.Server
	sites   SiteStore
	prompt  Prompt
	login   LoginState
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithSites(store SiteStore) Option {
	return func(m *Manager) { m.sites = store }
}

func WithPrompt(prompt Prompt) Option {
	return func(m *Manager) { m.prompt = prompt }
}

func WithLoginState(login LoginState) Option {
	return func(m *Manager) { m.login = login }
}

func WithLimits(limits envelope.Limits) Option {
	return func(m *Manager) { m.limits = limits }
}

// WithHandshakeTimeout bounds how long a new connection may take to say hello
// and be admitted.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager that serves handlers to admitted pages as local.
func NewManager(local envelope.Identity, handlers *transport.ServeMux, opts ...Option) *Manager {
	m := &Manager{
		local:    local,
		limits:   envelope.DefaultLimits(),
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.server = transport.NewServer(handlers, transport.WithServerLogger(m.logger))
	return m
}

// Accept runs the handshake on phys and, if the peer is admitted, starts
// serving it. phys is closed on any failure.
func (m *Manager) Accept(ctx context.Context, phys link.Link) (*Session, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	peer, err := link.HandshakeAccept(ctx, phys, m.local, m.limits, m.admit)
	if err != nil {
		phys.Close()
		return nil, err
	}
	guarded, err := portauth.Guard(phys, &m.local, &peer.Identity)
	if err != nil {
		phys.Close()
		return nil, err
	}

	s := &Session{
		ID:      uuid.NewString(),
		Peer:    peer.Identity,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
	logger := m.logger.With(zap.String("session", s.ID), zap.String("origin", peer.Identity.Origin))
	mux := link.NewMux(guarded, false, link.WithMuxLogger(logger), link.WithMuxLimits(peer.Limits))

	var sctx context.Context
	sctx, s.cancel = context.WithCancel(context.Background())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.err = m.server.Serve(sctx, mux)
		s.cancel()
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		close(s.done)
		logger.Info("session ended", zap.Error(s.err))
	}()
	logger.Info("session started", zap.Int("max_frame", peer.Limits.MaxFrame))
	return s, nil
}

func (m *Manager) admit(ctx context.Context, peer envelope.Identity) error {
	if peer.Origin == "" {
		return envelope.Errorf(envelope.CodePermissionDenied, "%v", portauth.ErrMissingIdentity)
	}
	if m.login != nil {
		ok, err := m.login.LoggedIn(ctx)
		if err != nil {
			return fmt.Errorf("read login state: %w", err)
		}
		if !ok {
			return custody.ErrNeedsLogin
		}
	}

	choice, known := sites.Denied, false
	if m.sites != nil {
		var err error
		if choice, known, err = m.sites.Lookup(ctx, peer.Origin); err != nil {
			return err
		}
	}
	if !known && m.prompt != nil {
		var err error
		if choice, err = m.prompt(ctx, peer); err != nil {
			return fmt.Errorf("connection prompt: %w", err)
		}
		if m.sites != nil {
			if err := m.sites.Set(ctx, peer.Origin, choice); err != nil {
				m.logger.Warn("failed to record site choice", zap.String("origin", peer.Origin), zap.Error(err))
			}
		}
	}
	if choice != sites.Approved {
		m.logger.Info("connection refused", zap.String("origin", peer.Origin), zap.Bool("remembered", known))
		return ErrConnectionDenied
	}
	return nil
}

// KillOrigin ends every session of origin and returns how many there were.
func (m *Manager) KillOrigin(origin string) int {
	m.mu.Lock()
	var victims []*Session
	for _, s := range m.sessions {
		if s.Peer.Origin == origin {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.Close()
	}
	return len(victims)
}

// Sessions returns the live sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Close ends every session and waits for them.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
	m.wg.Wait()
}
