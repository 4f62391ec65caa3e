package main

import (
	"net/http"

	"github.com/careunity/careunity/backend/cmd/careunityd/handlers"
	"github.com/careunity/careunity/backend/internal/cache"
	"github.com/careunity/careunity/backend/internal/logging"
	"github.com/careunity/careunity/backend/internal/sync/queue"
)

// routes collects the components served over HTTP. replay, hub and proxy
// are optional.
type routes struct {
	queue  *queue.Service
	replay handlers.ReplayTrigger
	hub    *WSHub
	proxy  *cache.Proxy
	router *cache.Router
	logger *logging.Logger
}

// newMux registers the sync API, the event stream and, when the proxy is
// enabled, sends every other request through the cache.
func newMux(r routes) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health)
	handlers.NewSyncHandler(r.queue, r.replay, r.logger).Register(mux)

	if r.hub != nil {
		mux.HandleFunc("GET /ws", HandleWebSocket(r.hub))
	}
	if r.proxy != nil {
		handlers.NewCacheHandler(r.proxy, r.router).Register(mux)
		mux.Handle("/", r.proxy)
	}
	return mux
}
