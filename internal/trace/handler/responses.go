package handler

import (
	"time"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/service"
	"veritrace/internal/trace/store"
	"veritrace/pkg/docval"
)

// TraceResponse is the wire form of a decision trace. Slices are always
// present so clients never see null where a list belongs.
type TraceResponse struct {
	ID             string                 `json:"id"`
	SourceSystem   string                 `json:"source_system"`
	InputPayload   docval.Value           `json:"input_payload"`
	RulesTriggered []models.RuleTriggered `json:"rules_triggered"`
	Output         docval.Value           `json:"output"`
	Confidence     float64                `json:"confidence"`
	RiskLevel      string                 `json:"risk_level"`
	Timestamp      time.Time              `json:"timestamp"`
	Digest         string                 `json:"digest"`
	ReviewNotes    []ReviewNoteResponse   `json:"review_notes"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       docval.Value           `json:"metadata"`
}

// ReviewNoteResponse is the wire form of one reviewer annotation.
type ReviewNoteResponse struct {
	Reviewer  string    `json:"reviewer"`
	Note      string    `json:"note"`
	Tags      []string  `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
}

// FromTrace converts a domain trace to its wire form.
func FromTrace(t *models.DecisionTrace) *TraceResponse {
	rules := t.RulesTriggered
	if rules == nil {
		rules = []models.RuleTriggered{}
	}
	return &TraceResponse{
		ID:             t.ID,
		SourceSystem:   t.SourceSystem,
		InputPayload:   t.InputPayload,
		RulesTriggered: rules,
		Output:         t.Output,
		Confidence:     t.Confidence,
		RiskLevel:      string(t.RiskLevel),
		Timestamp:      t.Timestamp,
		Digest:         t.Digest,
		ReviewNotes:    fromNotes(t.ReviewNotes),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		Metadata:       t.Metadata,
	}
}

func fromNotes(notes []models.ReviewNote) []ReviewNoteResponse {
	out := make([]ReviewNoteResponse, 0, len(notes))
	for _, n := range notes {
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, ReviewNoteResponse{
			Reviewer:  n.Reviewer,
			Note:      n.Note,
			Tags:      tags,
			Timestamp: n.Timestamp,
		})
	}
	return out
}

func fromTraces(traces []*models.DecisionTrace) []*TraceResponse {
	out := make([]*TraceResponse, 0, len(traces))
	for _, t := range traces {
		out = append(out, FromTrace(t))
	}
	return out
}

// VerifyResponse is the HTTP response for GET /verify/{id}.
type VerifyResponse struct {
	DecisionID string `json:"decision_id"`
	IsValid    bool   `json:"is_valid"`
	Message    string `json:"message"`
}

// FromVerifyResult converts a verification outcome to its wire form.
func FromVerifyResult(r *service.VerifyResult) *VerifyResponse {
	message := "Digest verification successful"
	if !r.Valid {
		message = "Digest mismatch - trace may have been tampered with"
	}
	return &VerifyResponse{
		DecisionID: r.TraceID,
		IsValid:    r.Valid,
		Message:    message,
	}
}

// AnnotationsResponse is the HTTP response for GET /annotations/{id}.
type AnnotationsResponse struct {
	DecisionID  string               `json:"decision_id"`
	Annotations []ReviewNoteResponse `json:"annotations"`
	Count       int                  `json:"count"`
}

// SearchResponse is the HTTP response for GET /search.
type SearchResponse struct {
	Total   int64            `json:"total"`
	Results []*TraceResponse `json:"results"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	HasMore bool             `json:"has_more"`
}

// FromSearchResult converts a search page to its wire form.
func FromSearchResult(r *service.SearchResult) *SearchResponse {
	return &SearchResponse{
		Total:   r.Total,
		Results: fromTraces(r.Items),
		Limit:   r.Limit,
		Offset:  r.Offset,
		HasMore: r.HasMore,
	}
}

// StatisticsResponse is the HTTP response for GET /statistics.
type StatisticsResponse struct {
	TotalDecisions int64            `json:"total_decisions"`
	ByRiskLevel    map[string]int64 `json:"by_risk_level"`
	BySourceSystem map[string]int64 `json:"by_source_system"`
}

// FromStatistics converts the census to its wire form.
func FromStatistics(s *service.Statistics) *StatisticsResponse {
	return &StatisticsResponse{
		TotalDecisions: s.TotalDecisions,
		ByRiskLevel:    countsToMap(s.ByRiskLevel),
		BySourceSystem: countsToMap(s.BySourceSystem),
	}
}

// RiskDistributionResponse is the HTTP response for
// GET /analytics/risk-distribution.
type RiskDistributionResponse struct {
	RiskDistribution map[string]int64 `json:"risk_distribution"`
}

// SystemDistributionResponse is the HTTP response for
// GET /analytics/system-distribution.
type SystemDistributionResponse struct {
	SystemDistribution map[string]int64 `json:"system_distribution"`
}

// HighRiskResponse is the HTTP response for GET /analytics/high-risk-recent.
type HighRiskResponse struct {
	HighRiskDecisions []*TraceResponse `json:"high_risk_decisions"`
	Count             int              `json:"count"`
}

func countsToMap(counts []store.TermCount) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for _, tc := range counts {
		out[tc.Value] = tc.Count
	}
	return out
}
