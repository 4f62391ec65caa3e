package cache

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/logging"
)

// Response headers set by the proxy.
const (
	HeaderCache      = "X-Cache"
	HeaderCacheRoute = "X-Cache-Route"
)

type namedCache struct {
	store    Store
	counters counters
}

// Proxy is a caching reverse proxy. GET requests matching a route are
// resolved with the route's strategy against the route's named cache;
// everything else goes straight to the network.
type Proxy struct {
	router      *Router
	fetcher     Fetcher
	base        *url.URL
	caches      map[string]*namedCache
	revalidator *BackgroundRevalidator
	logger      *logging.Logger
}

// ProxyOption customizes a Proxy.
type ProxyOption func(*Proxy)

// WithStore replaces the MemoryStore of the named cache.
func WithStore(cacheName string, s Store) ProxyOption {
	return func(p *Proxy) {
		if c, ok := p.caches[cacheName]; ok {
			c.store = s
		}
	}
}

// WithLogger sets the proxy logger.
func WithLogger(l *logging.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

// NewProxy creates a proxy. base resolves relative request URLs for cache
// keys. Each cache name used by router gets a MemoryStore bounded by the
// route's Expiration.
func NewProxy(router *Router, fetcher Fetcher, base *url.URL, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		router:      router,
		fetcher:     fetcher,
		base:        base,
		caches:      make(map[string]*namedCache),
		revalidator: &BackgroundRevalidator{},
		logger:      logging.Discard(),
	}
	for _, r := range router.routes {
		if _, ok := p.caches[r.CacheName]; !ok {
			p.caches[r.CacheName] = &namedCache{store: NewMemoryStore(r.Expiration)}
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	p.logger = p.logger.With(map[string]interface{}{"component": "cache_proxy"})
	return p
}

// Store returns the store behind cacheName, or nil.
func (p *Proxy) Store(cacheName string) Store {
	if c, ok := p.caches[cacheName]; ok {
		return c.store
	}
	return nil
}

// Wait blocks until background refreshes have finished.
func (p *Proxy) Wait() {
	p.revalidator.Wait()
}

// Resolve runs the routing decision and strategy for req without writing
// a response. route is nil for bypassed requests.
func (p *Proxy) Resolve(ctx context.Context, req *http.Request) (*Entry, Outcome, *Route, error) {
	var route *Route
	if req.Method == http.MethodGet {
		route = p.router.Match(req)
	}
	if route == nil {
		entry, err := p.fetcher.Fetch(ctx, req)
		return entry, OutcomeBypass, nil, err
	}

	strategy, err := StrategyFor(route.Handler)
	if err != nil {
		return nil, OutcomeBypass, route, err
	}

	c := p.caches[route.CacheName]
	key := Key(req, p.base)
	entry, outcome, err := strategy(ctx, Input{
		Request:     req,
		Key:         key,
		Store:       c.store,
		Fetcher:     p.fetcher,
		Route:       route,
		Revalidator: p.revalidator,
		OnRefresh: func(err error) {
			c.counters.revalidations.Add(1)
			if err != nil {
				c.counters.revalFailures.Add(1)
				p.logger.Warn("Background refresh failed", map[string]interface{}{
					"cache": route.CacheName,
					"key":   key,
					"error": err.Error(),
				})
			}
		},
	})
	c.counters.record(outcome, err)
	return entry, outcome, route, err
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry, outcome, route, err := p.Resolve(r.Context(), r)

	w.Header().Set(HeaderCache, string(outcome))
	if route != nil {
		w.Header().Set(HeaderCacheRoute, route.Name)
	}

	if err != nil {
		var upstream *UpstreamError
		if stderrors.As(err, &upstream) {
			writeEntry(w, upstream.Response)
			return
		}
		p.logger.ErrorWithCode("Proxy request failed", string(errors.ErrNetwork), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	writeEntry(w, entry)
}
