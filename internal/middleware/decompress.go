package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
)

var errDecodedTooLarge = errors.New("decoded request body too large")

// DecompressMiddleware decodes gzip and zstd request bodies. Handlers read
// plain JSON regardless of how the SDK sent it.
type DecompressMiddleware struct {
	maxDecoded int64
}

func NewDecompressMiddleware(maxDecoded int64) *DecompressMiddleware {
	if maxDecoded <= 0 {
		maxDecoded = DefaultMaxBodySize
	}
	return &DecompressMiddleware{maxDecoded: maxDecoded}
}

func (m *DecompressMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		if r.Body == nil || encoding == "" || encoding == "identity" {
			next.ServeHTTP(w, r)
			return
		}

		var decoded io.ReadCloser
		switch encoding {
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				writeError(w, apperrors.ValidationError("Malformed gzip body"))
				return
			}
			decoded = zr
		case "zstd":
			zr, err := zstd.NewReader(r.Body, zstd.WithDecoderConcurrency(1))
			if err != nil {
				writeError(w, apperrors.ValidationError("Malformed zstd body"))
				return
			}
			decoded = zr.IOReadCloser()
		default:
			writeError(w, apperrors.InvalidInput("Content-Encoding", "must be gzip or zstd"))
			return
		}

		r.Body = &cappedReader{ReadCloser: decoded, remaining: m.maxDecoded}
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}

// cappedReader fails once more than remaining bytes have been decoded.
type cappedReader struct {
	io.ReadCloser
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, errDecodedTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.ReadCloser.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errDecodedTooLarge
	}
	return n, err
}

// IsDecodedTooLarge reports whether err came from the decoded-size cap.
func IsDecodedTooLarge(err error) bool {
	return errors.Is(err, errDecodedTooLarge)
}
