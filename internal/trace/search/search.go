// Package search defines the secondary, best-effort query port. The index is
// eventually consistent with the primary store; writes to it are never
// allowed to fail a caller's operation.
package search

import (
	"context"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/store"
)

// Query is one paginated index search. Filter.Text is interpreted as
// full-text search over document content and rule names (stronger than the
// primary store's substring fallback).
type Query struct {
	Filter store.Filter
	Limit  int
	Offset int
}

// Result is a page of matches plus the total match count.
type Result struct {
	Items []*models.DecisionTrace
	Total int64
}

// Index is the search projection of the primary store.
//
// Implementations signal backend unreachability with errors wrapping
// sentinel.ErrUnavailable so the query service can fall back to the primary.
type Index interface {
	// Index creates or replaces the full document for a trace.
	Index(ctx context.Context, trace *models.DecisionTrace) error
	// UpdateNotes rewrites only the append-only review_notes projection.
	UpdateNotes(ctx context.Context, id string, notes []models.ReviewNote) error
	Search(ctx context.Context, q Query) (*Result, error)
	// AggregateTerms buckets all indexed traces by field, most frequent
	// first, at most size buckets (size <= 0 means all).
	AggregateTerms(ctx context.Context, field store.GroupField, size int) ([]store.TermCount, error)
}
