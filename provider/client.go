package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/link"
	"github.com/machinefabric/shieldwire-go/portauth"
	"github.com/machinefabric/shieldwire-go/transport"
)

// State is where a client stands with its provider.
type State int

const (
	StateUnknown State = iota
	StateManifestFetched
	StateConnecting
	StateConnected
	StateDenied
	StateNeedsLogin
	StateUnavailable
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateManifestFetched:
		return "ManifestFetched"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDenied:
		return "Denied"
	case StateNeedsLogin:
		return "NeedsLogin"
	case StateUnavailable:
		return "Unavailable"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ConnectionState is the coarse view of State carried to pages.
type ConnectionState int

const (
	ConnectionUnknown ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
)

func (c ConnectionState) String() string {
	switch c {
	case ConnectionConnected:
		return "Connected"
	case ConnectionDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Event reports a state transition of the attached provider.
type Event struct {
	Origin string
	State  State
}

// Connection collapses the state into connected, disconnected or unknown.
func (e Event) Connection() ConnectionState {
	switch e.State {
	case StateConnected:
		return ConnectionConnected
	case StateDenied, StateNeedsLogin, StateUnavailable, StateDisconnected:
		return ConnectionDisconnected
	default:
		return ConnectionUnknown
	}
}

func stateFor(err error) State {
	var rf *RequestFailure
	if errors.As(err, &rf) {
		switch rf.Kind {
		case FailureDenied:
			return StateDenied
		case FailureNeedsLogin:
			return StateNeedsLogin
		}
	}
	return StateUnavailable
}

type attachment struct {
	origin   string
	provider Provider
	manifest *Manifest
}

// Client attaches to one provider and keeps a transport to it.
type Client struct {
	registry      *Registry
	http          *http.Client
	transportOpts []transport.Option
	logger        *zap.Logger

	connectMu sync.Mutex

	mu        sync.Mutex
	attached  *attachment
	state     State
	conn      *transport.Transport
	listeners map[int]func(Event)
	nextID    int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

func WithTransportOptions(opts ...transport.Option) ClientOption {
	return func(cl *Client) { cl.transportOpts = append(cl.transportOpts, opts...) }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// NewClient creates an unattached client over the providers in registry.
func NewClient(registry *Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:  registry,
		logger:    zap.NewNop(),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = registry.client
	}
	return c
}

// Attach binds the client to the provider at origin and fetches its manifest.
// Attaching again to the same origin is a no-op; another origin is an error.
// A provider that claims to be connected already is reconnected, not trusted.
func (c *Client) Attach(ctx context.Context, origin string) (*Manifest, error) {
	c.mu.Lock()
	if a := c.attached; a != nil {
		c.mu.Unlock()
		if a.origin != origin {
			return nil, ErrAlreadyAttached
		}
		return a.manifest, nil
	}
	c.mu.Unlock()

	p, ok := c.registry.Lookup(origin)
	if !ok {
		return nil, &RequestFailure{Kind: FailureUnavailable, Origin: origin, Err: fmt.Errorf("provider not present")}
	}
	manifest, err := FetchManifest(ctx, c.http, p.ManifestURL())
	if err != nil {
		kind := FailureBadResponse
		var me *ManifestError
		if errors.As(err, &me) && me.Type == "Fetch" {
			kind = FailureUnavailable
		}
		return nil, &RequestFailure{Kind: kind, Origin: origin, Err: err}
	}

	c.mu.Lock()
	if a := c.attached; a != nil {
		c.mu.Unlock()
		if a.origin != origin {
			return nil, ErrAlreadyAttached
		}
		return a.manifest, nil
	}
	c.attached = &attachment{origin: origin, provider: p, manifest: manifest}
	c.mu.Unlock()

	// Listeners registered before attach hear where the new provider stands.
	c.setState(StateManifestFetched)

	if p.IsConnected() {
		c.logger.Info("provider reports an existing connection, reconnecting", zap.String("provider", origin))
		if _, err := c.Connect(ctx); err != nil {
			return manifest, err
		}
	}
	return manifest, nil
}

// Connect returns the transport to the attached provider, connecting first if
// needed. A failure other than denial is retried once.
func (c *Client) Connect(ctx context.Context) (*transport.Transport, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	a := c.attached
	if a == nil {
		c.mu.Unlock()
		return nil, ErrNotAttached
	}
	if t := c.conn; t != nil && !isDone(t) {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	t, err := c.dial(ctx, a.provider)
	if err != nil && !errors.Is(err, ErrDenied) && ctx.Err() == nil {
		c.logger.Debug("connect failed, retrying", zap.String("provider", a.origin), zap.Error(err))
		t, err = c.dial(ctx, a.provider)
	}
	if err != nil {
		c.setState(stateFor(err))
		return nil, err
	}

	c.mu.Lock()
	c.conn = t
	c.mu.Unlock()
	c.setState(StateConnected)

	go func() {
		<-t.Done()
		c.mu.Lock()
		current := c.conn == t
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		if current {
			c.setState(StateDisconnected)
		}
	}()
	return t, nil
}

func (c *Client) dial(ctx context.Context, p Provider) (*transport.Transport, error) {
	conn, err := p.Connect(ctx)
	if err != nil {
		return nil, classify(p.Origin(), err)
	}
	guarded, err := portauth.Guard(conn.Link, &conn.Local, &conn.Remote)
	if err != nil {
		conn.Link.Close()
		return nil, &RequestFailure{Kind: FailureBadResponse, Origin: p.Origin(), Err: err}
	}
	mux := link.NewMux(guarded, true, link.WithMuxLogger(c.logger), link.WithMuxLimits(conn.Limits))
	return transport.New(mux, c.transportOpts...), nil
}

// Disconnect releases the provider connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	a := c.attached
	t := c.conn
	c.conn = nil
	c.mu.Unlock()
	if a == nil {
		return ErrNotAttached
	}
	if t != nil {
		t.Close()
	}
	err := a.provider.Disconnect(ctx)
	c.setState(StateDisconnected)
	return err
}

// Transport returns the live transport, or nil.
func (c *Client) Transport() *transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || isDone(c.conn) {
		return nil
	}
	return c.conn
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Origin returns the attached origin, or "".
func (c *Client) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached == nil {
		return ""
	}
	return c.attached.origin
}

// Manifest returns the attached provider's manifest, or nil.
func (c *Client) Manifest() *Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached == nil {
		return nil
	}
	return c.attached.manifest
}

// OnConnectionStateChange calls listener on every state transition until ctx
// is done.
func (c *Client) OnConnectionStateChange(ctx context.Context, listener func(Event)) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()
	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	origin := ""
	if c.attached != nil {
		origin = c.attached.origin
	}
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.logger.Debug("provider state", zap.String("provider", origin), zap.Stringer("state", s))
	ev := Event{Origin: origin, State: s}
	for _, l := range listeners {
		l(ev)
	}
}

func isDone(t *transport.Transport) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
