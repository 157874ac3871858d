// Package handler exposes the decision trace API over HTTP. Handlers decode
// and validate, delegate to the service, and map domain errors to status
// codes; no business rules live here.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/service"
	"veritrace/internal/trace/store"
	"veritrace/pkg/platform/httputil"
	"veritrace/pkg/requestcontext"
)

// Service defines the trace operations the HTTP layer needs.
type Service interface {
	Create(ctx context.Context, in service.CreateInput) (*models.DecisionTrace, error)
	Get(ctx context.Context, id string) (*models.DecisionTrace, error)
	Annotate(ctx context.Context, id string, in service.AnnotateInput) (*models.DecisionTrace, error)
	Verify(ctx context.Context, id string) (*service.VerifyResult, error)
	Search(ctx context.Context, params service.SearchParams) (*service.SearchResult, error)
	Statistics(ctx context.Context) (*service.Statistics, error)
	RiskDistribution(ctx context.Context) ([]store.TermCount, error)
	SystemDistribution(ctx context.Context) ([]store.TermCount, error)
	RecentHighRisk(ctx context.Context, limit int) ([]*models.DecisionTrace, error)
}

// Handler wires trace endpoints to the trace service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a trace handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts trace endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/ingest", h.HandleIngest)
	r.Get("/trace/{id}", h.HandleGetTrace)
	r.Get("/verify/{id}", h.HandleVerify)
	r.Get("/statistics", h.HandleStatistics)
	r.Put("/annotate/{id}", h.HandleAnnotate)
	r.Get("/annotations/{id}", h.HandleGetAnnotations)
	r.Get("/search", h.HandleSearch)
	r.Get("/analytics/risk-distribution", h.HandleRiskDistribution)
	r.Get("/analytics/system-distribution", h.HandleSystemDistribution)
	r.Get("/analytics/high-risk-recent", h.HandleRecentHighRisk)
}

// HandleIngest handles POST /ingest requests.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[IngestRequest](w, r, h.logger)
	if !ok {
		return
	}

	trace, err := h.service.Create(ctx, req.ToInput())
	if err != nil {
		h.logger.ErrorContext(ctx, "trace ingest failed",
			"request_id", requestcontext.RequestID(ctx),
			"source_system", req.SourceSystem,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "trace ingested",
		"request_id", requestcontext.RequestID(ctx),
		"trace_id", trace.ID,
		"source_system", trace.SourceSystem,
		"risk_level", trace.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, FromTrace(trace))
}

// HandleGetTrace handles GET /trace/{id} requests.
func (h *Handler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromTrace(trace))
}

// HandleVerify handles GET /verify/{id} requests.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	result, err := h.service.Verify(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !result.Valid {
		h.logger.WarnContext(ctx, "trace failed verification",
			"request_id", requestcontext.RequestID(ctx),
			"trace_id", id,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, FromVerifyResult(result))
}

// HandleAnnotate handles PUT /annotate/{id} requests.
func (h *Handler) HandleAnnotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	req, ok := httputil.DecodeAndPrepare[AnnotateRequest](w, r, h.logger)
	if !ok {
		return
	}

	trace, err := h.service.Annotate(ctx, id, req.ToInput())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "trace annotated",
		"request_id", requestcontext.RequestID(ctx),
		"trace_id", trace.ID,
		"reviewer", req.Reviewer,
		"note_count", len(trace.ReviewNotes),
	)
	httputil.WriteJSON(w, http.StatusOK, FromTrace(trace))
}

// HandleGetAnnotations handles GET /annotations/{id} requests.
func (h *Handler) HandleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trace, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	notes := fromNotes(trace.ReviewNotes)
	httputil.WriteJSON(w, http.StatusOK, &AnnotationsResponse{
		DecisionID:  id,
		Annotations: notes,
		Count:       len(notes),
	})
}

// HandleSearch handles GET /search requests.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Search(r.Context(), params)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trace search failed",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSearchResult(result))
}

// HandleStatistics handles GET /statistics requests.
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromStatistics(stats))
}

// HandleRiskDistribution handles GET /analytics/risk-distribution requests.
func (h *Handler) HandleRiskDistribution(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.RiskDistribution(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &RiskDistributionResponse{RiskDistribution: countsToMap(counts)})
}

// HandleSystemDistribution handles GET /analytics/system-distribution requests.
func (h *Handler) HandleSystemDistribution(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.SystemDistribution(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &SystemDistributionResponse{SystemDistribution: countsToMap(counts)})
}

// HandleRecentHighRisk handles GET /analytics/high-risk-recent requests.
func (h *Handler) HandleRecentHighRisk(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r.URL.Query().Get("limit"), "limit", 10, 1, 50)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	traces, err := h.service.RecentHighRisk(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	items := fromTraces(traces)
	httputil.WriteJSON(w, http.StatusOK, &HighRiskResponse{
		HighRiskDecisions: items,
		Count:             len(items),
	})
}
