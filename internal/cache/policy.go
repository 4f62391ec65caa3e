package cache

const day = 24 * 60 * 60

// DefaultPolicies returns CareUnity's routing table. The ML route precedes
// the generic API route so model calls get StaleWhileRevalidate.
func DefaultPolicies() []*Route {
	return []*Route{
		{
			Name:       "ml-api",
			Match:      Regexp(`^/api/ml/`),
			Handler:    StaleWhileRevalidate,
			CacheName:  "ml-model-cache",
			Expiration: Expiration{MaxEntries: 50, MaxAgeSeconds: day},
		},
		{
			Name:                  "api",
			Match:                 PathPrefix("/api/"),
			Handler:               NetworkFirst,
			CacheName:             "api-cache",
			Expiration:            Expiration{MaxEntries: 100, MaxAgeSeconds: day},
			NetworkTimeoutSeconds: 10,
		},
		{
			Name:       "images",
			Match:      Extension("png", "jpg", "jpeg", "svg", "gif", "webp", "ico"),
			Handler:    CacheFirst,
			CacheName:  "image-cache",
			Expiration: Expiration{MaxEntries: 60, MaxAgeSeconds: 30 * day},
		},
		{
			Name:       "fonts",
			Match:      Extension("woff", "woff2", "ttf", "otf", "eot"),
			Handler:    CacheFirst,
			CacheName:  "font-cache",
			Expiration: Expiration{MaxEntries: 30, MaxAgeSeconds: 365 * day},
		},
		{
			Name:       "static",
			Match:      Extension("css", "js"),
			Handler:    StaleWhileRevalidate,
			CacheName:  "static-resources",
			Expiration: Expiration{MaxEntries: 100, MaxAgeSeconds: 7 * day},
		},
	}
}

// PolicyInfo is the printable form of a Route.
type PolicyInfo struct {
	Name                  string      `json:"name" yaml:"name"`
	Match                 string      `json:"match" yaml:"match"`
	Handler               HandlerKind `json:"handler" yaml:"handler"`
	CacheName             string      `json:"cacheName" yaml:"cache_name"`
	Expiration            Expiration  `json:"expiration" yaml:"expiration"`
	NetworkTimeoutSeconds int         `json:"networkTimeoutSeconds,omitempty" yaml:"network_timeout_seconds,omitempty"`
}

// Describe lists the router's routes in priority order.
func (r *Router) Describe() []PolicyInfo {
	out := make([]PolicyInfo, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, PolicyInfo{
			Name:                  route.Name,
			Match:                 route.Match.String(),
			Handler:               route.Handler,
			CacheName:             route.CacheName,
			Expiration:            route.Expiration,
			NetworkTimeoutSeconds: route.NetworkTimeoutSeconds,
		})
	}
	return out
}
