package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/audit"
	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/model"
)

type contextKey string

const (
	ProjectContextKey     contextKey = "project"
	DeviceTokenContextKey contextKey = "deviceToken"
)

const (
	APIKeyHeader      = "X-Rejourney-Key"
	DeviceTokenHeader = "X-Rejourney-Device-Token"
)

func GetProject(ctx context.Context) *model.Project {
	if project, ok := ctx.Value(ProjectContextKey).(*model.Project); ok {
		return project
	}
	return nil
}

// GetDeviceToken returns the opaque device upload token, or "" when the SDK sent none.
func GetDeviceToken(ctx context.Context) string {
	if token, ok := ctx.Value(DeviceTokenContextKey).(string); ok {
		return token
	}
	return ""
}

type ProjectResolver interface {
	Resolve(ctx context.Context, apiKey string) (*model.Project, error)
}

// AuthMiddleware resolves the calling project from its API key and carries
// the device token along for the handlers.
type AuthMiddleware struct {
	projects ProjectResolver
}

func NewAuthMiddleware(projects ProjectResolver) *AuthMiddleware {
	return &AuthMiddleware{projects: projects}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := extractAPIKey(r)
		if apiKey == "" {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventMissingAPIKey})
			writeError(w, apperrors.Unauthorized("Missing API key"))
			return
		}

		project, err := m.projects.Resolve(r.Context(), apiKey)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: project lookup failed")
			writeError(w, apperrors.Database(err))
			return
		}

		if project == nil {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventInvalidAPIKey, Details: map[string]any{"path": r.URL.Path}})
			writeError(w, apperrors.Unauthorized("Invalid API key"))
			return
		}

		ctx := context.WithValue(r.Context(), ProjectContextKey, project)
		if token := strings.TrimSpace(r.Header.Get(DeviceTokenHeader)); token != "" {
			ctx = context.WithValue(ctx, DeviceTokenContextKey, token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return ""
}
