// Package routes registers the HTTP routes of the scan worker.
package routes

import (
	"github.com/openctemio/scanworker/internal/config"
	infrahttp "github.com/openctemio/scanworker/internal/infra/http"
	"github.com/openctemio/scanworker/internal/infra/http/handler"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
	"github.com/openctemio/scanworker/pkg/logger"
)

// Middleware is an alias to the http package's Middleware type.
type Middleware = infrahttp.Middleware

// Router is an alias to the http package's Router interface.
type Router = infrahttp.Router

// Handlers holds all HTTP handlers for route registration.
type Handlers struct {
	Health   *handler.HealthHandler
	Scan     *handler.ScanHandler     // nil when submissions are not served by this instance
	Process  *handler.ProcessHandler  // nil when the worker endpoint is disabled
	Callback *handler.CallbackHandler // nil when no webhook secret is configured
}

// Register registers all application routes.
//
// Routes are split across files:
//   - scans.go: submission API and the completion callback
//   - worker.go: POST /process
//   - health.go: probes and metrics
func Register(router Router, h Handlers, validator middleware.TokenValidator, cfg *config.Config, log *logger.Logger) {
	registerHealthRoutes(router, h.Health)

	if h.Scan != nil || h.Callback != nil {
		var groupMiddlewares []Middleware
		if cfg.Server.RequestTimeout > 0 {
			groupMiddlewares = append(groupMiddlewares, middleware.Timeout(cfg.Server.RequestTimeout))
		}
		registerScanRoutes(router, h.Scan, h.Callback, middleware.Auth(validator, log), groupMiddlewares...)
	}

	if h.Process != nil {
		registerWorkerRoutes(router, h.Process, cfg.Worker.Token)
	}
}
