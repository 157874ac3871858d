package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/search"
	"veritrace/internal/trace/store"
	dErrors "veritrace/pkg/domain-errors"
)

const (
	// DefaultSearchLimit applies when a search omits the page size.
	DefaultSearchLimit = 20
	// MaxSearchLimit caps one page of search results.
	MaxSearchLimit = 100
)

// SearchParams is one paginated trace search.
type SearchParams struct {
	Filter store.Filter
	Limit  int
	Offset int
}

// SearchResult is one page of matches with pagination echo.
type SearchResult struct {
	Items   []*models.DecisionTrace
	Total   int64
	Limit   int
	Offset  int
	HasMore bool
}

// Search queries the search index, falling back to the primary store when
// the index is unreachable. Results are ordered newest first.
func (s *Service) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Search")
	defer span.End()

	limit := params.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	offset := max(params.Offset, 0)

	items, total, err := s.searchIndexOrFallback(ctx, params.Filter, limit, offset)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveOperation("search", start)
	span.SetAttributes(attribute.Int64("total", total))

	return &SearchResult{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+limit) < total,
	}, nil
}

func (s *Service) searchIndexOrFallback(ctx context.Context, filter store.Filter, limit, offset int) ([]*models.DecisionTrace, int64, error) {
	if s.index != nil {
		res, err := s.index.Search(ctx, search.Query{Filter: filter, Limit: limit, Offset: offset})
		if err == nil {
			return res.Items, res.Total, nil
		}
		s.fellBack(ctx, "search", err)
	}

	items, total, err := s.store.Find(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, dErrors.Wrap(dErrors.CodeInternal, "failed to search decision traces", err)
	}
	return items, total, nil
}

// Statistics is the system-wide trace census. BySourceSystem carries the ten
// busiest systems, most active first.
type Statistics struct {
	TotalDecisions int64
	ByRiskLevel    []store.TermCount
	BySourceSystem []store.TermCount
}

// Statistics aggregates over the primary store, which is authoritative for
// counts regardless of index health.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Statistics")
	defer span.End()

	total, err := s.store.Count(ctx, store.Filter{})
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to count decision traces", err)
	}
	byRisk, err := s.store.GroupCount(ctx, store.GroupByRiskLevel, store.Filter{}, 0)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to aggregate by risk level", err)
	}
	bySystem, err := s.store.GroupCount(ctx, store.GroupBySourceSystem, store.Filter{}, 10)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to aggregate by source system", err)
	}

	s.metrics.ObserveOperation("statistics", start)
	return &Statistics{
		TotalDecisions: total,
		ByRiskLevel:    byRisk,
		BySourceSystem: bySystem,
	}, nil
}

// RiskDistribution buckets all traces by risk level, preferring the index
// and falling back to the primary store.
func (s *Service) RiskDistribution(ctx context.Context) ([]store.TermCount, error) {
	return s.aggregate(ctx, store.GroupByRiskLevel, 0)
}

// SystemDistribution buckets all traces by source system, at most the twenty
// most active systems.
func (s *Service) SystemDistribution(ctx context.Context) ([]store.TermCount, error) {
	return s.aggregate(ctx, store.GroupBySourceSystem, 20)
}

func (s *Service) aggregate(ctx context.Context, field store.GroupField, topN int) ([]store.TermCount, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Aggregate",
		oteltrace.WithAttributes(attribute.String("field", string(field))))
	defer span.End()

	if s.index != nil {
		counts, err := s.index.AggregateTerms(ctx, field, topN)
		if err == nil {
			return counts, nil
		}
		s.fellBack(ctx, "aggregate", err)
	}

	counts, err := s.store.GroupCount(ctx, field, store.Filter{}, topN)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to aggregate decision traces", err)
	}
	return counts, nil
}

// RecentHighRisk returns the most recent traces with risk level high or
// critical, newest first.
func (s *Service) RecentHighRisk(ctx context.Context, limit int) ([]*models.DecisionTrace, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.RecentHighRisk")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	filter := store.Filter{RiskLevels: []models.RiskLevel{models.RiskHigh, models.RiskCritical}}

	items, _, err := s.searchIndexOrFallback(ctx, filter, limit, 0)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// fellBack records that the index could not answer and the primary store is
// taking the query.
func (s *Service) fellBack(ctx context.Context, op string, err error) {
	s.logger.WarnContext(ctx, "search index unavailable, falling back to primary store",
		"operation", op,
		"error", err,
	)
	s.metrics.IncrementSearchFallback()
}
