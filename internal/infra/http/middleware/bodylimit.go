package middleware

import (
	"errors"
	"net/http"

	"github.com/openctemio/scanworker/pkg/apierror"
)

// DefaultMaxBodySize applies when the server config leaves the cap at zero.
const DefaultMaxBodySize int64 = 1 << 20

// BodyLimit caps request bodies at maxBytes. A declared Content-Length over
// the cap is rejected before the handler runs. Otherwise the handler sees
// an *http.MaxBytesError from Read and reports it with WriteBodyTooLarge.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				writeTooLarge(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyTooLarge writes 413 and returns true when err came from the
// BodyLimit reader. It leaves the response alone otherwise.
func WriteBodyTooLarge(w http.ResponseWriter, r *http.Request, err error) bool {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return false
	}
	writeTooLarge(w, r)
	return true
}

func writeTooLarge(w http.ResponseWriter, r *http.Request) {
	apierror.New(http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large").
		WriteJSONWithRequestID(w, GetRequestID(r.Context()))
}
