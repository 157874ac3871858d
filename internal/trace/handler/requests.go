package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/service"
	dErrors "veritrace/pkg/domain-errors"
	"veritrace/pkg/docval"
)

// IngestRequest is the HTTP request body for POST /ingest.
type IngestRequest struct {
	SourceSystem   string                 `json:"source_system"`
	InputPayload   docval.Value           `json:"input_payload"`
	RulesTriggered []models.RuleTriggered `json:"rules_triggered"`
	Output         docval.Value           `json:"output"`
	Confidence     *float64               `json:"confidence"`
	RiskLevel      string                 `json:"risk_level"`
	Timestamp      *time.Time             `json:"timestamp"`
	Metadata       docval.Value           `json:"metadata"`
}

// Validate checks structural requirements. Range and enumeration checks live
// in the service.
func (r *IngestRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.SourceSystem = strings.TrimSpace(r.SourceSystem)
	if r.SourceSystem == "" {
		return dErrors.New(dErrors.CodeValidation, "source_system is required")
	}
	if r.Confidence == nil {
		return dErrors.New(dErrors.CodeValidation, "confidence is required")
	}
	if r.RiskLevel == "" {
		return dErrors.New(dErrors.CodeValidation, "risk_level is required")
	}
	return nil
}

// ToInput converts the validated request into a service input.
func (r *IngestRequest) ToInput() service.CreateInput {
	return service.CreateInput{
		SourceSystem:   r.SourceSystem,
		InputPayload:   r.InputPayload,
		RulesTriggered: r.RulesTriggered,
		Output:         r.Output,
		Confidence:     *r.Confidence,
		RiskLevel:      r.RiskLevel,
		Timestamp:      r.Timestamp,
		Metadata:       r.Metadata,
	}
}

// AnnotateRequest is the HTTP request body for PUT /annotate/{id}.
type AnnotateRequest struct {
	Reviewer string   `json:"reviewer"`
	Note     string   `json:"note"`
	Tags     []string `json:"tags"`
}

// Validate checks structural requirements; length limits live in the service.
func (r *AnnotateRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reviewer = strings.TrimSpace(r.Reviewer)
	if r.Reviewer == "" {
		return dErrors.New(dErrors.CodeValidation, "reviewer is required")
	}
	if r.Note == "" {
		return dErrors.New(dErrors.CodeValidation, "note must not be empty")
	}
	return nil
}

// ToInput converts the validated request into a service input.
func (r *AnnotateRequest) ToInput() service.AnnotateInput {
	return service.AnnotateInput{
		Reviewer: r.Reviewer,
		Note:     r.Note,
		Tags:     r.Tags,
	}
}

// parseSearchParams reads the GET /search query string.
func parseSearchParams(r *http.Request) (service.SearchParams, error) {
	q := r.URL.Query()
	params := service.SearchParams{Limit: service.DefaultSearchLimit}

	params.Filter.SourceSystem = strings.TrimSpace(q.Get("source_system"))
	params.Filter.Text = strings.TrimSpace(q.Get("search_text"))

	if raw := q.Get("risk_level"); raw != "" {
		level, err := models.ParseRiskLevel(raw)
		if err != nil {
			return params, err
		}
		params.Filter.RiskLevels = []models.RiskLevel{level}
	}

	var err error
	if params.Filter.From, err = parseTimeParam(q.Get("start_date"), "start_date"); err != nil {
		return params, err
	}
	if params.Filter.To, err = parseTimeParam(q.Get("end_date"), "end_date"); err != nil {
		return params, err
	}

	if params.Limit, err = parseIntParam(q.Get("limit"), "limit", service.DefaultSearchLimit, 1, service.MaxSearchLimit); err != nil {
		return params, err
	}
	if params.Offset, err = parseIntParam(q.Get("offset"), "offset", 0, 0, 0); err != nil {
		return params, err
	}
	return params, nil
}

func parseTimeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

// parseIntParam parses a bounded integer query parameter. hi == 0 means no
// upper bound.
func parseIntParam(raw, name string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dErrors.Newf(dErrors.CodeValidation, "%s must be an integer", name)
	}
	if n < lo || (hi > 0 && n > hi) {
		if hi > 0 {
			return 0, dErrors.Newf(dErrors.CodeValidation, "%s must be between %d and %d", name, lo, hi)
		}
		return 0, dErrors.Newf(dErrors.CodeValidation, "%s must be at least %d", name, lo)
	}
	return n, nil
}
