package routes

import (
	"github.com/openctemio/scanworker/internal/infra/http/handler"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
)

// registerScanRoutes registers the submission API and the callback receiver.
// Submissions need a user token; the callback authenticates with the shared
// webhook secret instead.
func registerScanRoutes(
	router Router,
	scans *handler.ScanHandler,
	callback *handler.CallbackHandler,
	authMiddleware Middleware,
	groupMiddlewares ...Middleware,
) {
	router.Group("/api/v1/scans", func(r Router) {
		if scans != nil {
			authed := r.With(authMiddleware)
			authed.POST("/", scans.Create)
			authed.GET("/", scans.List)
			authed.GET("/{scanId}", scans.Get)
		}
		if callback != nil {
			r.POST("/webhook", callback.Receive, middleware.DecompressForProcess())
		}
	}, groupMiddlewares...)
}
