package routes

import (
	"github.com/openctemio/scanworker/internal/infra/http/handler"
	"github.com/openctemio/scanworker/internal/infra/http/middleware"
)

// registerWorkerRoutes registers the worker endpoint. It carries no request
// timeout because inline runs last as long as the scan. The token check is
// skipped when no token is configured (production config refuses that).
func registerWorkerRoutes(router Router, h *handler.ProcessHandler, token string) {
	mws := []Middleware{middleware.DecompressForProcess()}
	if token != "" {
		mws = append([]Middleware{middleware.WorkerToken(token)}, mws...)
	}
	router.POST("/process", h.Process, mws...)
}
