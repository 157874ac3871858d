// Package memory provides an in-memory search index used by unit tests and
// by local development without a Redis backend. It can simulate backend
// unavailability to exercise the primary-store fallback path.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/search"
	"veritrace/internal/trace/store"
	"veritrace/pkg/platform/sentinel"
)

type InMemoryIndex struct {
	mu          sync.RWMutex
	docs        map[string]*models.DecisionTrace
	unavailable bool
	failWrites  bool
}

func New() *InMemoryIndex {
	return &InMemoryIndex{docs: make(map[string]*models.DecisionTrace)}
}

// SetUnavailable makes every operation fail with sentinel.ErrUnavailable.
func (i *InMemoryIndex) SetUnavailable(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unavailable = v
}

// SetFailWrites makes Index and UpdateNotes fail while reads keep working.
func (i *InMemoryIndex) SetFailWrites(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failWrites = v
}

// Len reports how many traces are indexed.
func (i *InMemoryIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

func (i *InMemoryIndex) Index(_ context.Context, trace *models.DecisionTrace) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unavailable || i.failWrites {
		return sentinel.ErrUnavailable
	}
	cp := *trace
	cp.ReviewNotes = append([]models.ReviewNote(nil), trace.ReviewNotes...)
	i.docs[trace.ID] = &cp
	return nil
}

func (i *InMemoryIndex) UpdateNotes(_ context.Context, id string, notes []models.ReviewNote) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unavailable || i.failWrites {
		return sentinel.ErrUnavailable
	}
	doc, ok := i.docs[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	doc.ReviewNotes = append([]models.ReviewNote(nil), notes...)
	return nil
}

func (i *InMemoryIndex) Search(_ context.Context, q search.Query) (*search.Result, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.unavailable {
		return nil, sentinel.ErrUnavailable
	}

	matched := make([]*models.DecisionTrace, 0)
	for _, doc := range i.docs {
		if i.matches(doc, q.Filter) {
			matched = append(matched, doc)
		}
	}
	sort.SliceStable(matched, func(a, b int) bool {
		return matched[a].Timestamp.After(matched[b].Timestamp)
	})

	total := int64(len(matched))
	if q.Offset >= len(matched) {
		return &search.Result{Items: []*models.DecisionTrace{}, Total: total}, nil
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	items := make([]*models.DecisionTrace, 0, end-q.Offset)
	for _, doc := range matched[q.Offset:end] {
		cp := *doc
		items = append(items, &cp)
	}
	return &search.Result{Items: items, Total: total}, nil
}

func (i *InMemoryIndex) AggregateTerms(_ context.Context, field store.GroupField, size int) ([]store.TermCount, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.unavailable {
		return nil, sentinel.ErrUnavailable
	}

	counts := make(map[string]int64)
	for _, doc := range i.docs {
		switch field {
		case store.GroupByRiskLevel:
			counts[string(doc.RiskLevel)]++
		case store.GroupBySourceSystem:
			counts[doc.SourceSystem]++
		}
	}

	out := make([]store.TermCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, store.TermCount{Value: v, Count: c})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Value < out[b].Value
	})
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out, nil
}

// matches mirrors the token semantics of the real index closely enough for
// tests: all text tokens must appear in the document text.
func (i *InMemoryIndex) matches(doc *models.DecisionTrace, f store.Filter) bool {
	if f.SourceSystem != "" && doc.SourceSystem != f.SourceSystem {
		return false
	}
	if len(f.RiskLevels) > 0 {
		found := false
		for _, rl := range f.RiskLevels {
			if doc.RiskLevel == rl {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && doc.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && doc.Timestamp.After(*f.To) {
		return false
	}
	if f.Text != "" {
		body := strings.ToLower(doc.SearchText())
		for _, tok := range strings.Fields(strings.ToLower(f.Text)) {
			if !strings.Contains(body, tok) {
				return false
			}
		}
	}
	return true
}
