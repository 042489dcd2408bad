package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/openctemio/scanworker/pkg/apierror"
)

// DecompressLimits bounds what a compressed request body may expand to.
type DecompressLimits struct {
	MaxCompressed   int64
	MaxDecompressed int64
	// MaxRatio rejects bodies that expand more than this many times.
	MaxRatio int64
}

// ProcessDecompressLimits fit job descriptors and completion callbacks,
// both of which are a few kilobytes.
var ProcessDecompressLimits = DecompressLimits{
	MaxCompressed:   1 << 20,
	MaxDecompressed: 5 << 20,
	MaxRatio:        100,
}

var errDecompressLimit = errors.New("decompressed body exceeds limit")

// Decompress replaces a gzip or zstd request body with its plain form.
// Other encodings get 415. A body over the limits gets 413.
func Decompress(limits DecompressLimits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
			if r.Body == nil || encoding == "" || encoding == "identity" {
				next.ServeHTTP(w, r)
				return
			}
			if encoding != "gzip" && encoding != "zstd" {
				apierror.New(http.StatusUnsupportedMediaType, apierror.CodeBadRequest,
					fmt.Sprintf("unsupported Content-Encoding %q", encoding)).
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			body, err := decompress(r.Body, encoding, limits)
			if err != nil {
				status, msg := http.StatusBadRequest, "invalid compressed request body"
				if errors.Is(err, errDecompressLimit) {
					status, msg = http.StatusRequestEntityTooLarge, "request body too large"
				}
				apierror.New(status, apierror.CodeBadRequest, msg).
					WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Del("Content-Encoding")
			next.ServeHTTP(w, r)
		})
	}
}

func decompress(body io.ReadCloser, encoding string, limits DecompressLimits) ([]byte, error) {
	defer body.Close()

	compressed, err := io.ReadAll(io.LimitReader(body, limits.MaxCompressed+1))
	if err != nil {
		return nil, err
	}
	if int64(len(compressed)) > limits.MaxCompressed {
		return nil, errDecompressLimit
	}
	if len(compressed) == 0 {
		return nil, nil
	}

	maxOut := limits.MaxDecompressed
	if limits.MaxRatio > 0 {
		maxOut = min(maxOut, int64(len(compressed))*limits.MaxRatio)
	}

	var reader io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		reader = gr
	case "zstd":
		//nolint:gosec // G115: limits are positive byte counts
		zr, err := zstd.NewReader(bytes.NewReader(compressed),
			zstd.WithDecoderMaxMemory(uint64(limits.MaxDecompressed)),
			zstd.WithDecoderConcurrency(1),
		)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}

	out, err := io.ReadAll(io.LimitReader(reader, maxOut+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxOut {
		return nil, errDecompressLimit
	}
	return out, nil
}

// DecompressForProcess is mounted on /process and the completion callback.
func DecompressForProcess() func(http.Handler) http.Handler {
	return Decompress(ProcessDecompressLimits)
}
