package cache

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// Matcher decides whether a route applies to a request.
type Matcher interface {
	Match(req *http.Request) bool
	String() string
}

type pathPrefix string

// PathPrefix matches request paths starting with prefix.
func PathPrefix(prefix string) Matcher { return pathPrefix(prefix) }

func (p pathPrefix) Match(req *http.Request) bool { return strings.HasPrefix(req.URL.Path, string(p)) }
func (p pathPrefix) String() string               { return "prefix " + string(p) }

type regexpMatcher struct{ re *regexp.Regexp }

// Regexp matches request paths against pattern. It panics on an invalid
// pattern, like regexp.MustCompile.
func Regexp(pattern string) Matcher {
	return regexpMatcher{re: regexp.MustCompile(pattern)}
}

func (m regexpMatcher) Match(req *http.Request) bool { return m.re.MatchString(req.URL.Path) }
func (m regexpMatcher) String() string               { return "regexp " + m.re.String() }

type extension []string

// Extension matches request paths ending in one of exts (without dot,
// case-insensitive).
func Extension(exts ...string) Matcher {
	lower := make([]string, len(exts))
	for i, e := range exts {
		lower[i] = strings.ToLower(strings.TrimPrefix(e, "."))
	}
	return extension(lower)
}

func (e extension) Match(req *http.Request) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(req.URL.Path), "."))
	if ext == "" {
		return false
	}
	for _, want := range e {
		if ext == want {
			return true
		}
	}
	return false
}

func (e extension) String() string { return "extension " + strings.Join(e, "|") }

type and []Matcher

// And matches when every matcher does.
func And(ms ...Matcher) Matcher { return and(ms) }

func (a and) Match(req *http.Request) bool {
	for _, m := range a {
		if !m.Match(req) {
			return false
		}
	}
	return len(a) > 0
}

func (a and) String() string {
	parts := make([]string, len(a))
	for i, m := range a {
		parts[i] = m.String()
	}
	return strings.Join(parts, " and ")
}

type funcMatcher struct {
	name string
	fn   func(*http.Request) bool
}

// Func wraps an arbitrary predicate; name is used for display.
func Func(name string, fn func(*http.Request) bool) Matcher {
	return funcMatcher{name: name, fn: fn}
}

func (f funcMatcher) Match(req *http.Request) bool { return f.fn(req) }
func (f funcMatcher) String() string               { return f.name }

// Route is one caching policy entry.
type Route struct {
	Name                  string
	Match                 Matcher
	Handler               HandlerKind
	CacheName             string
	Expiration            Expiration
	NetworkTimeoutSeconds int
}

// Router holds routes in priority order. The first matching route wins.
type Router struct {
	routes []*Route
}

// NewRouter validates routes and returns a router over them.
func NewRouter(routes ...*Route) (*Router, error) {
	names := make(map[string]bool, len(routes))
	caches := make(map[string]Expiration, len(routes))
	for i, r := range routes {
		switch {
		case r == nil:
			return nil, fmt.Errorf("route %d is nil", i)
		case r.Name == "":
			return nil, fmt.Errorf("route %d has no name", i)
		case names[r.Name]:
			return nil, fmt.Errorf("duplicate route name %q", r.Name)
		case r.Match == nil:
			return nil, fmt.Errorf("route %q has no matcher", r.Name)
		case !r.Handler.Valid():
			return nil, fmt.Errorf("route %q: unknown handler %q", r.Name, r.Handler)
		case r.CacheName == "":
			return nil, fmt.Errorf("route %q has no cache name", r.Name)
		case r.Expiration.MaxEntries < 0 || r.Expiration.MaxAgeSeconds < 0 || r.NetworkTimeoutSeconds < 0:
			return nil, fmt.Errorf("route %q has negative limits", r.Name)
		}
		if exp, ok := caches[r.CacheName]; ok && exp != r.Expiration {
			return nil, fmt.Errorf("cache %q is declared with different expirations", r.CacheName)
		}
		names[r.Name] = true
		caches[r.CacheName] = r.Expiration
	}
	return &Router{routes: append([]*Route(nil), routes...)}, nil
}

// Match returns the first route matching req, or nil.
func (r *Router) Match(req *http.Request) *Route {
	for _, route := range r.routes {
		if route.Match.Match(req) {
			return route
		}
	}
	return nil
}

// Routes returns the routes in priority order.
func (r *Router) Routes() []*Route {
	return append([]*Route(nil), r.routes...)
}
