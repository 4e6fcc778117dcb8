// Package ops serves the engine's operational HTTP surface: liveness,
// readiness, and Prometheus metrics. It is not a product API; nothing
// here is tenant-scoped or authenticated, and it should sit behind the
// deployment's private network.
package ops

import (
	"net/http"
	"slices"
)

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Router wraps http.ServeMux with middleware chaining.
type Router struct {
	mux   *http.ServeMux
	chain []Middleware
}

// NewRouter creates a Router with optional global middleware.
func NewRouter(middleware ...Middleware) *Router {
	return &Router{
		mux:   http.NewServeMux(),
		chain: middleware,
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Get registers a GET route.
func (r *Router) Get(pattern string, handler http.HandlerFunc) {
	r.Handle(http.MethodGet, pattern, handler)
}

// Handle registers a route with an explicit method.
func (r *Router) Handle(method, pattern string, handler http.Handler) {
	r.mux.Handle(method+" "+pattern, r.wrap(handler))
}

// wrap applies middleware in reverse order so they execute in the order
// defined.
func (r *Router) wrap(handler http.Handler) http.Handler {
	chain := slices.Clone(r.chain)
	slices.Reverse(chain)

	result := handler
	for _, m := range chain {
		result = m(result)
	}
	return result
}
