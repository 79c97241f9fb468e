package link

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
)

// Mux carries logical links over one physical link. Channel 0 is the root
// link. The initiating side allocates odd channel ids and the accepting side
// even ones, so both ends can open links without coordination.
type Mux struct {
	phys    Link
	logger  *zap.Logger
	limits  envelope.Limits
	backlog Backlog

	mu        sync.Mutex
	links     map[uint64]*logical
	accepted  map[uint64]bool
	retired   map[uint64]struct{}
	nextID    uint64
	waiting   int // peer-opened links not yet accepted
	held      int // payload bytes queued on those links
	closed    bool
	closeErr  error
	root      *logical
	done      chan struct{}
	closeOnce sync.Once
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithMuxLogger sets the logger used for dropped and unexpected envelopes.
func WithMuxLogger(logger *zap.Logger) MuxOption {
	return func(m *Mux) { m.logger = logger }
}

// Backlog bounds what the peer may queue on links it opened and we have not
// accepted yet.
type Backlog struct {
	Channels  int // links awaiting Accept
	Envelopes int // envelopes queued on one such link
	Bytes     int // payload bytes queued across all of them
}

// Defaults for Backlog.
const (
	DefaultBacklogChannels  = 64
	DefaultBacklogEnvelopes = 1024
	DefaultBacklogBytes     = 4 * envelope.MaxFrameHardLimit
)

// DefaultBacklog returns the default unaccepted-link bounds.
func DefaultBacklog() Backlog {
	return Backlog{
		Channels:  DefaultBacklogChannels,
		Envelopes: DefaultBacklogEnvelopes,
		Bytes:     DefaultBacklogBytes,
	}
}

// ErrBacklogExceeded closes a mux whose peer queued more on unaccepted links
// than the Backlog allows.
var ErrBacklogExceeded = errors.New("unaccepted channel backlog exceeded")

// WithMuxLimits records the limits negotiated for the physical link. The
// transports and servers running on the mux read them back with Limits.
func WithMuxLimits(limits envelope.Limits) MuxOption {
	return func(m *Mux) { m.limits = limits.Normalize() }
}

// WithMuxBacklog replaces the default unaccepted-link bounds. Zero fields keep
// their default.
func WithMuxBacklog(b Backlog) MuxOption {
	return func(m *Mux) {
		if b.Channels > 0 {
			m.backlog.Channels = b.Channels
		}
		if b.Envelopes > 0 {
			m.backlog.Envelopes = b.Envelopes
		}
		if b.Bytes > 0 {
			m.backlog.Bytes = b.Bytes
		}
	}
}

// NewMux starts demultiplexing phys. initiator selects the id parity used by Open.
func NewMux(phys Link, initiator bool, opts ...MuxOption) *Mux {
	m := &Mux{
		phys:     phys,
		logger:   zap.NewNop(),
		limits:   envelope.DefaultLimits(),
		backlog:  DefaultBacklog(),
		links:    make(map[uint64]*logical),
		accepted: make(map[uint64]bool),
		retired:  make(map[uint64]struct{}),
		done:     make(chan struct{}),
	}
	if initiator {
		m.nextID = 1
	} else {
		m.nextID = 2
	}
	for _, opt := range opts {
		opt(m)
	}
	m.root = m.newLogical(0)
	m.accepted[0] = true
	go m.readLoop()
	return m
}

// Root returns the root logical link. Closing it closes the whole mux.
func (m *Mux) Root() Link {
	return m.root
}

// Limits returns the limits negotiated for the physical link.
func (m *Mux) Limits() envelope.Limits {
	return m.limits
}

// Open allocates a new logical link. The peer learns of it from whatever
// envelope names it first (an INIT_CHANNEL or STREAM announcement).
func (m *Mux) Open() (Link, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	id := m.nextID
	m.nextID += 2
	l := m.newLogical(id)
	m.accepted[id] = true
	return l, id, nil
}

// Accept claims a logical link opened by the peer. Envelopes that arrived for
// it before Accept are delivered first.
func (m *Mux) Accept(id uint64) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if id == 0 || id%2 == m.nextID%2 {
		return nil, fmt.Errorf("channel %d was not opened by the peer", id)
	}
	if m.accepted[id] {
		return nil, fmt.Errorf("channel %d already accepted", id)
	}
	m.accepted[id] = true
	if l, ok := m.links[id]; ok {
		m.waiting--
		m.held -= l.held
		l.held = 0
		// The peer may already have finished with it; what it sent stays readable.
		if l.finished() {
			delete(m.links, id)
		}
		return l, nil
	}
	if _, gone := m.retired[id]; gone {
		return nil, fmt.Errorf("channel %d: %w", id, ErrClosed)
	}
	return m.newLogical(id), nil
}

// Close closes every logical link and the physical link.
func (m *Mux) Close() error {
	m.shutdown(ErrClosed, true)
	return nil
}

// Done is closed once the mux has shut down.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns why the mux shut down, or nil while it runs.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

// newLogical must be called with m.mu held (or during construction).
func (m *Mux) newLogical(id uint64) *logical {
	l := &logical{id: id, mux: m, in: newQueue(), done: make(chan struct{})}
	m.links[id] = l
	return l
}

func (m *Mux) readLoop() {
	for {
		env, err := m.phys.Recv()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				m.logger.Warn("physical link failed", zap.Error(err))
			}
			m.shutdown(err, false)
			return
		}
		m.dispatch(env)
	}
}

func (m *Mux) dispatch(env *envelope.Envelope) {
	id := env.Channel
	if env.Kind == envelope.KindDisconnect {
		if id == 0 {
			m.shutdown(ErrClosed, false)
			return
		}
		m.mu.Lock()
		l := m.links[id]
		m.mu.Unlock()
		if l != nil {
			l.finish(false)
		}
		return
	}

	m.mu.Lock()
	l, ok := m.links[id]
	if !ok {
		_, gone := m.retired[id]
		if gone || id%2 == m.nextID%2 {
			m.mu.Unlock()
			m.logger.Debug("dropping envelope for closed channel",
				zap.Uint64("channel", id), zap.Stringer("kind", env.Kind))
			return
		}
		if m.waiting >= m.backlog.Channels {
			m.mu.Unlock()
			m.overflow(fmt.Errorf("%w: more than %d channels awaiting accept", ErrBacklogExceeded, m.backlog.Channels))
			return
		}
		l = m.newLogical(id)
		m.waiting++
	}
	if !m.accepted[id] {
		l.queued++
		l.held += len(env.Payload)
		m.held += len(env.Payload)
		switch {
		case l.queued > m.backlog.Envelopes:
			m.mu.Unlock()
			m.overflow(fmt.Errorf("%w: channel %d queued more than %d envelopes", ErrBacklogExceeded, id, m.backlog.Envelopes))
			return
		case m.held > m.backlog.Bytes:
			m.mu.Unlock()
			m.overflow(fmt.Errorf("%w: more than %d bytes queued before accept", ErrBacklogExceeded, m.backlog.Bytes))
			return
		}
	}
	m.mu.Unlock()
	l.in.push(env)
}

func (m *Mux) overflow(cause error) {
	m.logger.Warn("closing link", zap.Error(cause))
	m.shutdown(cause, true)
}

func (m *Mux) shutdown(cause error, local bool) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.closeErr = cause
		links := make([]*logical, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.mu.Unlock()

		if local {
			_ = m.phys.Send(envelope.NewDisconnect(0))
		}
		for _, l := range links {
			l.finish(local)
		}
		_ = m.phys.Close()
		close(m.done)
	})
}

// retire marks a logical link finished. Links the peer opened but we have not
// accepted stay registered so Accept can still hand out what they received.
func (m *Mux) retire(id uint64) {
	m.mu.Lock()
	m.retired[id] = struct{}{}
	if m.accepted[id] {
		delete(m.links, id)
	}
	m.mu.Unlock()
}

type logical struct {
	id   uint64
	mux  *Mux
	in   *queue
	once sync.Once
	done chan struct{}

	// guarded by mux.mu while the link awaits Accept
	queued int
	held   int
}

func (l *logical) Send(env *envelope.Envelope) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	env.Channel = l.id
	if err := l.mux.phys.Send(env); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (l *logical) Recv() (*envelope.Envelope, error) {
	return l.in.pop()
}

func (l *logical) Close() error {
	if l.id == 0 {
		return l.mux.Close()
	}
	closedHere := false
	l.once.Do(func() {
		closedHere = true
		l.in.close(ErrClosed, true)
		close(l.done)
		l.mux.retire(l.id)
	})
	if closedHere {
		if err := l.mux.phys.Send(envelope.NewDisconnect(l.id)); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	return nil
}

// finish closes the link without notifying the peer. Remote closes keep what
// was already queued readable.
func (l *logical) finish(drop bool) {
	l.once.Do(func() {
		l.in.close(ErrClosed, drop)
		close(l.done)
		if l.id != 0 {
			l.mux.retire(l.id)
		}
	})
}

func (l *logical) Done() <-chan struct{} {
	return l.done
}

func (l *logical) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
