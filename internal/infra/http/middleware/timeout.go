package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openctemio/scanworker/pkg/apierror"
)

// Timeout bounds the request context. Handlers pass the context down to
// Postgres, Redis and the queue, so a stalled dependency returns early;
// when that happens before anything was written the client gets a 504.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			ww := wrapWriter(w)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if !ww.wrote && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				apierror.New(http.StatusGatewayTimeout, "TIMEOUT", "Request timeout").
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
			}
		})
	}
}
