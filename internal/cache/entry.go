// Package cache implements the caching policy router: named bounded
// stores, the NetworkFirst, CacheFirst and StaleWhileRevalidate
// strategies, first-match-wins routing and a caching reverse proxy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is a stored HTTP response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     body,
		StoredAt: e.StoredAt,
	}
}

// Cacheable reports whether e may be stored in a cache shared by every
// client. Only 200 responses are kept, and never ones marked no-store,
// no-cache or private, or ones setting cookies.
func (e *Entry) Cacheable() bool {
	if e == nil || e.Status != http.StatusOK {
		return false
	}
	if len(e.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, value := range e.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	return true
}

// hopHeaders are connection-level headers that are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// writeEntry sends e to w.
func writeEntry(w http.ResponseWriter, e *Entry) {
	dst := w.Header()
	for name, values := range e.Header {
		dst[name] = append([]string(nil), values...)
	}
	removeHopHeaders(dst)
	dst.Del("Content-Length")
	w.WriteHeader(e.Status)
	w.Write(e.Body)
}

// Key returns the cache key of req: the method and the absolute URL,
// query included. Relative request URLs are resolved against base.
// Requests carrying credentials get a digest of them appended, so one
// client never reads entries stored for another.
func Key(req *http.Request, base *url.URL) string {
	u := req.URL
	if !u.IsAbs() && base != nil {
		u = base.ResolveReference(&url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery})
	}
	key := req.Method + " " + u.String()

	auth := req.Header.Values("Authorization")
	cookies := req.Header.Values("Cookie")
	if len(auth) == 0 && len(cookies) == 0 {
		return key
	}
	h := sha256.New()
	for _, v := range auth {
		h.Write([]byte("authorization\x00" + v + "\x00"))
	}
	for _, v := range cookies {
		h.Write([]byte("cookie\x00" + v + "\x00"))
	}
	return key + " cred=" + hex.EncodeToString(h.Sum(nil))
}
