// Package provider finds wallet providers, reads their manifests and connects
// a page to the one it picks.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
)

// Connection is an open, handshaken link to a provider.
type Connection struct {
	Link   link.Link
	Local  envelope.Identity
	Remote envelope.Identity
	Limits envelope.Limits
}

// Provider is one reachable wallet provider.
type Provider interface {
	Origin() string
	ManifestURL() string
	// IsConnected reports the provider's own view of the connection. It may be stale.
	IsConnected() bool
	Connect(ctx context.Context) (*Connection, error)
	Disconnect(ctx context.Context) error
}

// WebSocketProvider reaches a provider that serves /manifest.json and /connect
// over HTTP.
type WebSocketProvider struct {
	origin string
	base   *url.URL
	local  envelope.Identity
	limits envelope.Limits
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn link.Link
}

// WebSocketOption configures a WebSocketProvider.
type WebSocketOption func(*WebSocketProvider)

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(p *WebSocketProvider) { p.dialer = d }
}

func WithProviderLimits(limits envelope.Limits) WebSocketOption {
	return func(p *WebSocketProvider) { p.limits = limits }
}

func WithProviderLogger(logger *zap.Logger) WebSocketOption {
	return func(p *WebSocketProvider) { p.logger = logger }
}

// NewWebSocketProvider creates a provider at origin (an http or https URL)
// that the page identified by local connects to.
func NewWebSocketProvider(origin string, local envelope.Identity, opts ...WebSocketOption) (*WebSocketProvider, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid provider origin %q: %w", origin, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid provider origin %q: scheme must be http or https", origin)
	}
	if local.Origin == "" {
		return nil, fmt.Errorf("page identity has no origin")
	}
	p := &WebSocketProvider{
		origin: strings.TrimSuffix(base.String(), "/"),
		base:   base,
		local:  local,
		limits: envelope.DefaultLimits(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *WebSocketProvider) Origin() string {
	return p.origin
}

func (p *WebSocketProvider) ManifestURL() string {
	return p.base.JoinPath("manifest.json").String()
}

func (p *WebSocketProvider) connectURL() string {
	u := p.base.JoinPath("connect")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func (p *WebSocketProvider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return false
	}
	select {
	case <-p.conn.Done():
		return false
	default:
		return true
	}
}

// Connect dials the provider and runs the hello handshake. A refusal comes
// back as a *RequestFailure of the matching kind.
func (p *WebSocketProvider) Connect(ctx context.Context) (*Connection, error) {
	header := http.Header{"Origin": []string{p.local.Origin}}
	ws, resp, err := p.dialer.DialContext(ctx, p.connectURL(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, &RequestFailure{Kind: FailureDenied, Origin: p.origin, Err: err}
		}
		return nil, &RequestFailure{Kind: FailureUnavailable, Origin: p.origin, Err: err}
	}
	l := link.NewWebSocketLink(ws, nil)
	peer, err := link.HandshakeInitiate(ctx, l, p.local, p.limits)
	if err != nil {
		l.Close()
		return nil, classify(p.origin, err)
	}
	p.logger.Debug("connected to provider", zap.String("provider", p.origin), zap.Int("max_frame", peer.Limits.MaxFrame))

	p.mu.Lock()
	old := p.conn
	p.conn = l
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return &Connection{Link: l, Local: p.local, Remote: peer.Identity, Limits: peer.Limits}, nil
}

// Disconnect closes the current connection, if any.
func (p *WebSocketProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
