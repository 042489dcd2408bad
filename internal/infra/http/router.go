package http

import (
	"net/http"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Route is one registered method and pattern.
type Route struct {
	Method  string
	Pattern string
}

// Router is the routing surface the scan worker registers against.
// Route-level middleware runs in order, the first one outermost:
//
//	r.POST("/process", h.Process, workerToken, decompress)
type Router interface {
	GET(path string, handler http.HandlerFunc, middlewares ...Middleware)
	POST(path string, handler http.HandlerFunc, middlewares ...Middleware)

	// Group mounts routes under prefix with shared middleware.
	Group(prefix string, fn func(Router), middlewares ...Middleware)

	// Use installs middleware for every route registered on this router.
	Use(middlewares ...Middleware)

	// With returns a router whose routes also run middlewares.
	With(middlewares ...Middleware) Router

	Handler() http.Handler

	// Routes lists what has been registered, sorted by pattern then method.
	Routes() []Route
}

func chain(h http.Handler, middlewares []Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
