package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/rejourney/ingest-server-go/internal/errors"
	"github.com/rejourney/ingest-server-go/internal/middleware"
	"github.com/rejourney/ingest-server-go/internal/model"
	"github.com/rejourney/ingest-server-go/internal/service"
	"github.com/rejourney/ingest-server-go/internal/util"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// IngestAPI is the subset of service.IngestService the handlers call.
type IngestAPI interface {
	PresignBatch(ctx context.Context, project *model.Project, meta service.RequestMeta, req service.PresignBatchRequest) (*service.PresignResponse, error)
	PresignSegment(ctx context.Context, project *model.Project, meta service.RequestMeta, req service.PresignSegmentRequest) (*service.PresignResponse, error)
	CompleteBatch(ctx context.Context, project *model.Project, meta service.RequestMeta, req service.CompleteBatchRequest) (*service.CompleteResponse, error)
	CompleteSegment(ctx context.Context, project *model.Project, meta service.RequestMeta, req service.CompleteSegmentRequest) (*service.CompleteResponse, error)
	EndSession(ctx context.Context, project *model.Project, req service.EndSessionRequest) (*service.EndSessionResponse, error)
	EvaluateReplay(ctx context.Context, project *model.Project, req service.EvaluateRequest) (*service.PromotionOutcome, error)
	ReportFault(ctx context.Context, project *model.Project, meta service.RequestMeta, req service.FaultRequest) (*service.FaultResponse, error)
}

var _ IngestAPI = (*service.IngestService)(nil)

type IngestHandler struct {
	ingest IngestAPI
}

func NewIngestHandler(ingest IngestAPI) *IngestHandler {
	return &IngestHandler{ingest: ingest}
}

// Routes expects AuthMiddleware to have run.
func (h *IngestHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/presign", h.PresignBatch)
	r.Post("/batch/complete", h.CompleteBatch)
	r.Post("/segment/presign", h.PresignSegment)
	r.Post("/segment/complete", h.CompleteSegment)
	r.Post("/session/end", h.EndSession)
	r.Post("/replay/evaluate", h.EvaluateReplay)
	r.Post("/fault", h.ReportFault)

	return r
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		DeviceToken:    middleware.GetDeviceToken(r.Context()),
		ClientIP:       util.ClientIP(r),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	}
}

func requireProject(w http.ResponseWriter, r *http.Request) *model.Project {
	project := middleware.GetProject(r.Context())
	if project == nil {
		writeError(w, apperrors.Unauthorized("Unauthorized"))
	}
	return project
}

// POST /ingest/presign
func (h *IngestHandler) PresignBatch(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.PresignBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.PresignBatch(r.Context(), project, requestMeta(r), req)
	if err != nil {
		logFailure(err, project, "presign batch")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest/segment/presign
func (h *IngestHandler) PresignSegment(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.PresignSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.PresignSegment(r.Context(), project, requestMeta(r), req)
	if err != nil {
		logFailure(err, project, "presign segment")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest/batch/complete
func (h *IngestHandler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.CompleteBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.CompleteBatch(r.Context(), project, requestMeta(r), req)
	if err != nil {
		logFailure(err, project, "complete batch")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest/segment/complete
func (h *IngestHandler) CompleteSegment(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.CompleteSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.CompleteSegment(r.Context(), project, requestMeta(r), req)
	if err != nil {
		logFailure(err, project, "complete segment")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest/session/end
func (h *IngestHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.EndSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.EndSession(r.Context(), project, req)
	if err != nil {
		logFailure(err, project, "end session")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /ingest/replay/evaluate
func (h *IngestHandler) EvaluateReplay(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	outcome, err := h.ingest.EvaluateReplay(r.Context(), project, req)
	if err != nil {
		logFailure(err, project, "evaluate replay")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// POST /ingest/fault
func (h *IngestHandler) ReportFault(w http.ResponseWriter, r *http.Request) {
	project := requireProject(w, r)
	if project == nil {
		return
	}

	var req service.FaultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.ingest.ReportFault(r.Context(), project, requestMeta(r), req)
	if err != nil {
		logFailure(err, project, "report fault")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// logFailure logs server-side failures. Client errors are left to the request logger.
func logFailure(err error, project *model.Project, op string) {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInternal, apperrors.ErrCodeDatabase, apperrors.ErrCodeStorage:
		log.Error().Err(err).Str("projectId", project.ID).Msgf("failed to %s", op)
	}
}
