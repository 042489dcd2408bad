package redis

import "github.com/openctemio/scanworker/internal/app"

var (
	_ app.SubmitLimiter    = (*RateLimiter)(nil)
	_ app.ReconcileDeduper = (*ReconcileDeduper)(nil)
)
