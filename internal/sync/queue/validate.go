package queue

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/careunity/careunity/backend/internal/errors"
	"github.com/careunity/careunity/backend/internal/models"
)

// validateCreate collects every field problem in in. Absolute URLs must
// share origin with upstream; a nil upstream admits paths only.
func validateCreate(in models.CreateSyncOperation, upstream *url.URL) error {
	verr := &errors.ValidationError{}

	if msg := checkURL(in.URL, upstream); msg != "" {
		verr.Add("url", msg)
	}
	if !in.Method.Valid() {
		verr.Add("method", "must be one of GET, POST, PUT, PATCH, DELETE")
	}
	if in.UserID <= 0 {
		verr.Add("userId", "must be a positive integer")
	}
	names := make([]string, 0, len(in.Headers))
	for name := range in.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !httpguts.ValidHeaderFieldName(name) {
			verr.Add("headers", fmt.Sprintf("invalid header name %q", name))
			continue
		}
		if !httpguts.ValidHeaderFieldValue(in.Headers[name]) {
			verr.Add("headers", fmt.Sprintf("invalid value for header %s", name))
		}
	}

	return verr.OrNil()
}

// checkURL accepts origin-relative paths and absolute http(s) URLs on the
// upstream origin. It returns "" when raw is acceptable.
func checkURL(raw string, upstream *url.URL) string {
	if raw == "" {
		return "is required"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "is not a valid URL"
	}
	if u.Scheme == "" {
		if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
			return "must be an absolute http(s) URL or a path starting with /"
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme must be http or https"
	}
	if u.Host == "" {
		return "must include a host"
	}
	if upstream == nil || !SameOrigin(u, upstream) {
		return "must be a path or a URL on the upstream origin"
	}
	return ""
}

// SameOrigin reports whether a and b share scheme and host, default ports
// included.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}
