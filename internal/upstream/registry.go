package upstream

import (
	"fmt"
	"time"
)

// Route maps a logical endpoint identifier to a concrete upstream path.
type Route struct {
	Name         string        // Logical identifier used by clients
	Path         string        // Path appended to the upstream base URL
	RequiresAuth bool          // Whether the API key header is expected
	CacheTTL     time.Duration // Micro-cache TTL for successful GETs
}

// Registry resolves logical endpoint identifiers for the proxy.
type Registry struct {
	routes map[string]Route
}

// DefaultRoutes returns the logical endpoints the proxy exposes.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "price", Path: "/v1/price", RequiresAuth: false, CacheTTL: time.Second},
		{Name: "quote", Path: "/v1/quote", RequiresAuth: true, CacheTTL: time.Second},
		{Name: "tokens", Path: "/v1/tokens", RequiresAuth: false, CacheTTL: 30 * time.Second},
		{Name: "candles", Path: "/v1/candles", RequiresAuth: true, CacheTTL: 5 * time.Second},
		{Name: "holders", Path: "/v1/holders", RequiresAuth: true, CacheTTL: 30 * time.Second},
	}
}

// NewRegistry creates a Registry from the given routes.
func NewRegistry(routes []Route) (*Registry, error) {
	r := &Registry{routes: make(map[string]Route, len(routes))}
	for _, route := range routes {
		if route.Name == "" || route.Path == "" {
			return nil, fmt.Errorf("route requires name and path, got %+v", route)
		}
		if _, ok := r.routes[route.Name]; ok {
			return nil, fmt.Errorf("duplicate route %q", route.Name)
		}
		r.routes[route.Name] = route
	}
	return r, nil
}

// Resolve returns the route for a logical identifier.
func (r *Registry) Resolve(name string) (Route, bool) {
	route, ok := r.routes[name]
	return route, ok
}

// Names returns all registered identifiers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}
