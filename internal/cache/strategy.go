package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HandlerKind names a caching strategy.
type HandlerKind string

const (
	NetworkFirst         HandlerKind = "NetworkFirst"
	CacheFirst           HandlerKind = "CacheFirst"
	StaleWhileRevalidate HandlerKind = "StaleWhileRevalidate"
)

// Valid reports whether k is a known strategy.
func (k HandlerKind) Valid() bool {
	_, ok := strategies[k]
	return ok
}

// Outcome tells where a response came from. It is sent as X-Cache.
type Outcome string

const (
	OutcomeHit    Outcome = "HIT"    // served from cache without touching the network
	OutcomeMiss   Outcome = "MISS"   // served from the network
	OutcomeStale  Outcome = "STALE"  // served from cache; network failed or a refresh is running
	OutcomeBypass Outcome = "BYPASS" // not eligible for caching
)

// Revalidator runs background refreshes for StaleWhileRevalidate.
type Revalidator interface {
	Go(fn func())
}

// BackgroundRevalidator runs each refresh in its own goroutine and lets
// callers wait for them.
type BackgroundRevalidator struct {
	wg sync.WaitGroup
}

func (b *BackgroundRevalidator) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait blocks until every started refresh has finished.
func (b *BackgroundRevalidator) Wait() {
	b.wg.Wait()
}

// Input is everything a strategy needs for one request.
type Input struct {
	Request     *http.Request
	Key         string
	Store       Store
	Fetcher     Fetcher
	Route       *Route
	Revalidator Revalidator

	// OnRefresh, when set, is called after each background refresh.
	OnRefresh func(err error)
}

// Strategy resolves one request against a cache and the network.
type Strategy func(ctx context.Context, in Input) (*Entry, Outcome, error)

var strategies = map[HandlerKind]Strategy{
	NetworkFirst:         networkFirst,
	CacheFirst:           cacheFirst,
	StaleWhileRevalidate: staleWhileRevalidate,
}

// StrategyFor returns the implementation of k.
func StrategyFor(k HandlerKind) (Strategy, error) {
	s, ok := strategies[k]
	if !ok {
		return nil, fmt.Errorf("unknown cache handler %q", k)
	}
	return s, nil
}

// fetchAndStore goes to the network and stores cacheable responses.
func fetchAndStore(ctx context.Context, in Input) (*Entry, error) {
	entry, err := in.Fetcher.Fetch(ctx, in.Request)
	if err != nil {
		return nil, err
	}
	if entry.Cacheable() {
		// a failed write still serves the response
		_ = in.Store.Put(ctx, in.Key, entry)
	}
	return entry, nil
}

// networkFirst tries the network within the route timeout and falls back
// to the cached entry when the network fails.
func networkFirst(ctx context.Context, in Input) (*Entry, Outcome, error) {
	fetchCtx := ctx
	if in.Route != nil && in.Route.NetworkTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, time.Duration(in.Route.NetworkTimeoutSeconds)*time.Second)
		defer cancel()
	}

	entry, netErr := fetchAndStore(fetchCtx, in)
	if netErr == nil {
		return entry, OutcomeMiss, nil
	}

	cached, ok, err := in.Store.Get(ctx, in.Key)
	if err == nil && ok {
		return cached, OutcomeStale, nil
	}
	return nil, OutcomeMiss, netErr
}

// cacheFirst answers from cache when it can and never touches the network
// on a hit.
func cacheFirst(ctx context.Context, in Input) (*Entry, Outcome, error) {
	if cached, ok, err := in.Store.Get(ctx, in.Key); err == nil && ok {
		return cached, OutcomeHit, nil
	}
	entry, err := fetchAndStore(ctx, in)
	if err != nil {
		return nil, OutcomeMiss, err
	}
	return entry, OutcomeMiss, nil
}

// staleWhileRevalidate answers from cache at once and refreshes the entry
// in the background; without a cached entry it waits for the network.
func staleWhileRevalidate(ctx context.Context, in Input) (*Entry, Outcome, error) {
	cached, ok, err := in.Store.Get(ctx, in.Key)
	if err != nil || !ok {
		entry, err := fetchAndStore(ctx, in)
		if err != nil {
			return nil, OutcomeMiss, err
		}
		return entry, OutcomeMiss, nil
	}

	// the refresh outlives the client request
	bg := context.WithoutCancel(ctx)
	refresh := in
	refresh.Request = in.Request.Clone(bg)
	run := func() {
		_, err := fetchAndStore(bg, refresh)
		if in.OnRefresh != nil {
			in.OnRefresh(err)
		}
	}
	if in.Revalidator != nil {
		in.Revalidator.Go(run)
	} else {
		go run()
	}
	return cached, OutcomeStale, nil
}
