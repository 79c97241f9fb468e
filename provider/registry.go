package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxManifestFetches bounds concurrent manifest downloads.
const maxManifestFetches = 8

// ManifestResult is the outcome of one provider's manifest fetch.
type ManifestResult struct {
	Manifest *Manifest
	Err      error
}

// Registry holds the providers a page can see, keyed by origin.
type Registry struct {
	client *http.Client

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry. client is used for manifest
// fetches; nil means http.DefaultClient.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{client: client, providers: make(map[string]Provider)}
}

// Register adds p. Origins are unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Origin()]; exists {
		return fmt.Errorf("provider %s already registered", p.Origin())
	}
	r.providers[p.Origin()] = p
	return nil
}

// Lookup returns the provider registered for origin.
func (r *Registry) Lookup(origin string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[origin]
	return p, ok
}

// Origins returns the registered origins in order.
func (r *Registry) Origins() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for origin := range r.providers {
		out = append(out, origin)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Providers returns a snapshot of the registered providers.
func (r *Registry) Providers() map[string]Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Provider, len(r.providers))
	for origin, p := range r.providers {
		out[origin] = p
	}
	return out
}

// Manifest fetches the manifest of one provider.
func (r *Registry) Manifest(ctx context.Context, origin string) (*Manifest, error) {
	p, ok := r.Lookup(origin)
	if !ok {
		return nil, &RequestFailure{Kind: FailureUnavailable, Origin: origin, Err: fmt.Errorf("provider not present")}
	}
	return FetchManifest(ctx, r.client, p.ManifestURL())
}

// Manifests fetches every provider's manifest concurrently. One provider's
// failure is recorded in its result and does not affect the others.
func (r *Registry) Manifests(ctx context.Context) map[string]ManifestResult {
	providers := r.Providers()
	results := make(map[string]ManifestResult, len(providers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxManifestFetches)
	for origin, p := range providers {
		g.Go(func() error {
			m, err := FetchManifest(gctx, r.client, p.ManifestURL())
			mu.Lock()
			results[origin] = ManifestResult{Manifest: m, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
