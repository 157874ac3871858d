// Package store defines the primary (authoritative) persistence port for
// decision traces. Swap implementations without touching the services.
package store

import (
	"context"
	"time"

	"veritrace/internal/trace/models"
)

// Filter narrows store queries. Zero values mean "no constraint".
type Filter struct {
	SourceSystem string
	RiskLevels   []models.RiskLevel
	From         *time.Time // inclusive
	To           *time.Time // inclusive
	// Text is a substring match over the input/output documents and rule
	// names. This is the degraded fallback for index full-text search.
	Text string
}

// GroupField names a field usable with GroupCount.
type GroupField string

const (
	GroupByRiskLevel    GroupField = "risk_level"
	GroupBySourceSystem GroupField = "source_system"
)

// TermCount is one bucket of a group-count aggregation.
type TermCount struct {
	Value string
	Count int64
}

// Store is the durable, authoritative record of decision traces.
//
// Insert returns sentinel.ErrConflict when the id already exists. Get and
// AppendReviewNote return sentinel.ErrNotFound for unknown ids.
// AppendReviewNote is atomic per trace: concurrent appends on one id
// serialize and none is lost.
type Store interface {
	Insert(ctx context.Context, trace *models.DecisionTrace) error
	Get(ctx context.Context, id string) (*models.DecisionTrace, error)
	AppendReviewNote(ctx context.Context, id string, note models.ReviewNote) (*models.DecisionTrace, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	GroupCount(ctx context.Context, field GroupField, filter Filter, topN int) ([]TermCount, error)
	// Find returns traces matching the filter ordered by timestamp
	// descending, plus the total match count before pagination.
	Find(ctx context.Context, filter Filter, limit, offset int) ([]*models.DecisionTrace, int64, error)
}
