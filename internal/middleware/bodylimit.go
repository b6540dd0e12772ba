package middleware

import (
	"net/http"

	"github.com/rejourney/ingest-server-go/internal/audit"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
)

const (
	DefaultMaxBodySize = 1 << 20 // 1MB
)

// BodyLimitMiddleware caps the request body as sent on the wire. Decoded
// size is capped separately by DecompressMiddleware.
type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventBodyRejected,
				Details: map[string]any{"contentLength": r.ContentLength, "limit": m.maxSize},
			})
			w.Header().Set("Connection", "close")
			writeError(w, apperrors.ValidationError("Request body too large"))
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		}
		next.ServeHTTP(w, r)
	})
}
