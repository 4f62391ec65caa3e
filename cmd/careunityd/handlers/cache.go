package handlers

import (
	"net/http"

	"github.com/careunity/careunity/backend/internal/cache"
)

// CacheHandler exposes the caching proxy's policies and counters.
type CacheHandler struct {
	proxy  *cache.Proxy
	router *cache.Router
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(proxy *cache.Proxy, router *cache.Router) *CacheHandler {
	return &CacheHandler{proxy: proxy, router: router}
}

// Register adds the cache routes to mux.
func (h *CacheHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cache/stats", h.Stats)
	mux.HandleFunc("GET /api/cache/policies", h.Policies)
}

// Stats handles GET /api/cache/stats
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"caches": h.proxy.Stats()})
}

// Policies handles GET /api/cache/policies
func (h *CacheHandler) Policies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": h.router.Describe()})
}
