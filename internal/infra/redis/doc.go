// Package redis provides the Redis-backed pieces of the scan pipeline.
//
// # Overview
//
//   - Client: connection management with TLS, pooling and retry on startup
//   - RateLimiter: per-user sliding window limit applied to scan submissions
//   - ReconcileDeduper: SETNX markers that keep a scan's quota adjustment
//     from running twice when a webhook is redelivered
//
// # Quick Start
//
//	client, err := redis.New(&cfg.Redis, logger)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	limiter, err := redis.NewRateLimiter(client, "ratelimit:submit", 10, time.Minute, logger)
//	allowed, retryAfter, err := limiter.Allow(ctx, "submit:"+userID)
//
//	dedupe, err := redis.NewReconcileDeduper(client, 0, logger)
//	fresh, err := dedupe.MarkReconciled(ctx, scanID)
//
// Markers live under scan:reconciled:{scanId} for 30 days by default.
//
// All components are safe for concurrent use.
package redis
