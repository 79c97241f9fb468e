package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/session"
	"github.com/machinefabric/shieldwire-go/sites"
	"github.com/machinefabric/shieldwire-go/transport"
)

var (
	pageID = envelope.Identity{ProcessID: 10, DocumentID: "doc-1", Origin: "https://dapp.example", URL: "https://dapp.example/"}
	hostID = envelope.Identity{ProcessID: 1, Origin: "walletd://host"}
)

func testManifest() *Manifest {
	return &Manifest{
		Name:        "Shieldwire",
		Version:     "0.4.0",
		Description: "Shielded wallet host",
		Icons:       map[string]string{"32": "icons/32.png", "128": "icons/128.png"},
	}
}

type echoArgs struct {
	Text string `cbor:"1,keyasint"`
}

type memSites map[string]sites.Choice

func (s memSites) Lookup(_ context.Context, origin string) (sites.Choice, bool, error) {
	c, ok := s[origin]
	return c, ok, nil
}

func (s memSites) Set(_ context.Context, origin string, choice sites.Choice) error {
	s[origin] = choice
	return nil
}

type countingLogin struct {
	ok    bool
	calls atomic.Int32
}

func (l *countingLogin) LoggedIn(context.Context) (bool, error) {
	l.calls.Add(1)
	return l.ok, nil
}

// startProvider serves a manifest and a session manager the way walletd does.
func startProvider(t *testing.T, opts ...session.Option) *httptest.Server {
	t.Helper()
	handlers := transport.NewServeMux()
	handlers.HandleUnary("echo", transport.Unary(func(_ context.Context, req echoArgs) (echoArgs, error) {
		return req, nil
	}))
	m := session.NewManager(hostID, handlers, opts...)
	mux := http.NewServeMux()
	mux.Handle("/manifest.json", ManifestHandler(testManifest()))
	mux.Handle("/connect", m.Handler(nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return srv
}

func newTestClient(t *testing.T, origins ...string) (*Client, *Registry) {
	t.Helper()
	registry := NewRegistry(nil)
	for _, origin := range origins {
		p, err := NewWebSocketProvider(origin, pageID)
		require.NoError(t, err)
		require.NoError(t, registry.Register(p))
	}
	return NewClient(registry), registry
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.State
	}
	return out
}

// TEST150: Manifests are validated against the schema
func Test150_parse_manifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name":"W","version":"1","description":"d","icons":{"64":"a.png"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.png", m.Icons["64"])

	bad := []string{
		`{"version":"1","description":"d","icons":{}}`,
		`{"name":"","version":"1","description":"d","icons":{}}`,
		`{"name":"W","version":"1","description":"d","icons":{"large":"a.png"}}`,
		`not json`,
	}
	for _, data := range bad {
		_, err := ParseManifest([]byte(data))
		var me *ManifestError
		assert.True(t, errors.As(err, &me), "accepted %s", data)
	}
}

// TEST151: The served manifest matches its golden rendering
func Test151_manifest_golden(t *testing.T) {
	srv := startProvider(t)
	resp, err := http.Get(srv.URL + "/manifest.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	data, err := testManifest().JSON()
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "manifest", data)

	fetched, err := FetchManifest(context.Background(), nil, srv.URL+"/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, testManifest(), fetched)
}

// TEST152: Manifests of all providers are fetched independently
func Test152_registry_manifests(t *testing.T) {
	good := startProvider(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"x"}`))
	}))
	defer broken.Close()

	_, registry := newTestClient(t, good.URL, broken.URL)
	assert.Equal(t, 2, len(registry.Providers()))
	results := registry.Manifests(context.Background())
	require.Len(t, results, 2)
	require.NoError(t, results[good.URL].Err)
	assert.Equal(t, "Shieldwire", results[good.URL].Manifest.Name)
	assert.Error(t, results[broken.URL].Err)

	p, _ := registry.Lookup(good.URL)
	assert.Error(t, registry.Register(p), "origins are unique")
}

// TEST153: Attach and connect walk the state machine and give a working transport
func Test153_connect_approved(t *testing.T) {
	srv := startProvider(t, session.WithSites(memSites{pageID.Origin: sites.Approved}))
	client, _ := newTestClient(t, srv.URL)

	var log eventLog
	client.OnConnectionStateChange(context.Background(), log.record)

	manifest, err := client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Shieldwire", manifest.Name)

	tr, err := client.Connect(context.Background())
	require.NoError(t, err)
	reply, err := transport.Invoke[echoArgs, echoArgs](context.Background(), tr, "echo", echoArgs{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Text)

	again, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, tr, again, "connecting while connected is a no-op")

	require.NoError(t, client.Disconnect(context.Background()))
	assert.Equal(t, []State{StateManifestFetched, StateConnecting, StateConnected, StateDisconnected}, log.states())
	assert.Nil(t, client.Transport())
	assert.Equal(t, ConnectionDisconnected, Event{State: client.State()}.Connection())
}

// TEST154: A denied connection is reported as Denied and not retried
func Test154_denied_not_retried(t *testing.T) {
	var prompts atomic.Int32
	prompt := func(context.Context, envelope.Identity) (sites.Choice, error) {
		prompts.Add(1)
		return sites.Denied, nil
	}
	srv := startProvider(t, session.WithPrompt(prompt))
	client, _ := newTestClient(t, srv.URL)
	_, err := client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, envelope.CodePermissionDenied, envelope.CodeOf(err))
	assert.Equal(t, StateDenied, client.State())
	assert.EqualValues(t, 1, prompts.Load())
}

// TEST155: A locked provider is NeedsLogin and is retried once
func Test155_needs_login_retried(t *testing.T) {
	login := &countingLogin{}
	srv := startProvider(t, session.WithLoginState(login), session.WithSites(memSites{pageID.Origin: sites.Approved}))
	client, _ := newTestClient(t, srv.URL)
	_, err := client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNeedsLogin)
	assert.Equal(t, StateNeedsLogin, client.State())
	assert.EqualValues(t, 2, login.calls.Load())
}

// TEST156: Missing providers and broken endpoints are Unavailable or BadResponse
func Test156_unavailable(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Attach(context.Background(), "https://absent.example")
	assert.ErrorIs(t, err, ErrUnavailable)

	var connects atomic.Int32
	mux := http.NewServeMux()
	mux.Handle("/manifest.json", ManifestHandler(testManifest()))
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		connects.Add(1)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ = newTestClient(t, srv.URL)
	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotAttached)
	_, err = client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateUnavailable, client.State())
	assert.EqualValues(t, 2, connects.Load(), "an unavailable provider is retried once")

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	client, _ = newTestClient(t, down.URL)
	_, err = client.Attach(context.Background(), down.URL)
	assert.ErrorIs(t, err, ErrUnavailable)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"x"}`))
	}))
	defer broken.Close()
	client, _ = newTestClient(t, broken.URL)
	_, err = client.Attach(context.Background(), broken.URL)
	var rf *RequestFailure
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, FailureBadResponse, rf.Kind)
}

// TEST157: A listener stops hearing events once its context is cancelled
func Test157_listener_removal(t *testing.T) {
	srv := startProvider(t, session.WithSites(memSites{pageID.Origin: sites.Approved}))
	client, _ := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	var log eventLog
	client.OnConnectionStateChange(ctx, log.record)
	_, err := client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.listeners) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = client.Connect(context.Background())
	require.NoError(t, err)
	defer client.Disconnect(context.Background())
	assert.Equal(t, []State{StateManifestFetched}, log.states())

	done, stop := context.WithCancel(context.Background())
	stop()
	client.OnConnectionStateChange(done, log.record)
	client.mu.Lock()
	assert.Empty(t, client.listeners)
	client.mu.Unlock()
}

// TEST158: A client attaches to one provider only
func Test158_attach_once(t *testing.T) {
	a := startProvider(t)
	b := startProvider(t)
	client, _ := newTestClient(t, a.URL, b.URL)

	m1, err := client.Attach(context.Background(), a.URL)
	require.NoError(t, err)
	m2, err := client.Attach(context.Background(), a.URL)
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	_, err = client.Attach(context.Background(), b.URL)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Equal(t, a.URL, client.Origin())
}

type staleProvider struct {
	*WebSocketProvider
	connects atomic.Int32
}

func (p *staleProvider) IsConnected() bool {
	return true
}

func (p *staleProvider) Connect(ctx context.Context) (*Connection, error) {
	p.connects.Add(1)
	return p.WebSocketProvider.Connect(ctx)
}

// TEST159: A provider claiming an existing connection is reconnected on attach
func Test159_reconfirm_connected(t *testing.T) {
	srv := startProvider(t, session.WithSites(memSites{pageID.Origin: sites.Approved}))
	inner, err := NewWebSocketProvider(srv.URL, pageID)
	require.NoError(t, err)
	p := &staleProvider{WebSocketProvider: inner}
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(p))
	client := NewClient(registry)

	_, err = client.Attach(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.connects.Load())
	assert.Equal(t, StateConnected, client.State())
	require.NotNil(t, client.Transport())
	require.NoError(t, client.Disconnect(context.Background()))
}
