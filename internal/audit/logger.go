package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rejourney/ingest-server-go/internal/util"
)

type EventType string

const (
	EventMissingAPIKey   EventType = "missing_api_key"
	EventInvalidAPIKey   EventType = "invalid_api_key"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventBodyRejected    EventType = "body_rejected"
)

type Event struct {
	Type      EventType
	ProjectID string
	Subject   string
	IP        string
	UserAgent string
	Details   map[string]any
}

func Log(ctx context.Context, event Event) {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}

	e := logger.Warn().
		Str("audit", "ingest").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now())

	if event.ProjectID != "" {
		e = e.Str("project_id", event.ProjectID)
	}
	if event.Subject != "" {
		e = e.Str("subject", event.Subject)
	}
	if event.IP != "" {
		e = e.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		e = e.Str("user_agent", event.UserAgent)
	}

	for k, v := range event.Details {
		e = addField(e, k, v)
	}
	e.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest fills in the caller's address and user agent.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = util.ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
