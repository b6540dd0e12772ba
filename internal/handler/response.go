package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/httputil"
	"github.com/rejourney/ingest-server-go/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// decodeJSON reads the request body into dst. An empty body decodes to the
// zero value so endpoints can report the missing field by name.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) || middleware.IsDecodedTooLarge(err) {
		return apperrors.ValidationError("Request body too large")
	}
	return apperrors.ValidationError("Invalid request body")
}
