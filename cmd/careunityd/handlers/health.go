package handlers

import "net/http"

// ServiceName is reported by the health check.
const ServiceName = "careunityd"

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}
