// Package memory provides the in-memory trace store used by unit tests and
// local development without Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/store"
	"veritrace/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	traces map[string]*models.DecisionTrace
	order  []string // insertion order, for stable iteration
}

func New() *InMemoryStore {
	return &InMemoryStore{traces: make(map[string]*models.DecisionTrace)}
}

func (s *InMemoryStore) Insert(_ context.Context, trace *models.DecisionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[trace.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := cloneTrace(trace)
	s.traces[trace.ID] = cp
	s.order = append(s.order, trace.ID)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.traces[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneTrace(tr), nil
}

// AppendReviewNote serializes appends on the store lock; the full-store lock
// stands in for the row-level lock the Postgres store takes.
func (s *InMemoryStore) AppendReviewNote(_ context.Context, id string, note models.ReviewNote) (*models.DecisionTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.traces[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	tr.ReviewNotes = append(tr.ReviewNotes, note)
	tr.UpdatedAt = note.Timestamp
	return cloneTrace(tr), nil
}

func (s *InMemoryStore) Count(_ context.Context, filter store.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.order {
		if matches(s.traces[id], filter) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GroupCount(_ context.Context, field store.GroupField, filter store.Filter, topN int) ([]store.TermCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, id := range s.order {
		tr := s.traces[id]
		if !matches(tr, filter) {
			continue
		}
		switch field {
		case store.GroupByRiskLevel:
			counts[string(tr.RiskLevel)]++
		case store.GroupBySourceSystem:
			counts[tr.SourceSystem]++
		}
	}

	out := make([]store.TermCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, store.TermCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (s *InMemoryStore) Find(_ context.Context, filter store.Filter, limit, offset int) ([]*models.DecisionTrace, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.DecisionTrace, 0)
	for _, id := range s.order {
		if matches(s.traces[id], filter) {
			matched = append(matched, s.traces[id])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*models.DecisionTrace{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}

	out := make([]*models.DecisionTrace, 0, end-offset)
	for _, tr := range matched[offset:end] {
		out = append(out, cloneTrace(tr))
	}
	return out, total, nil
}

// Tamper mutates a stored trace in place, bypassing the immutability the
// write path enforces. Test hook for exercising digest verification.
func (s *InMemoryStore) Tamper(id string, mutate func(*models.DecisionTrace)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.traces[id]; ok {
		mutate(tr)
	}
}

func matches(tr *models.DecisionTrace, f store.Filter) bool {
	if f.SourceSystem != "" && tr.SourceSystem != f.SourceSystem {
		return false
	}
	if len(f.RiskLevels) > 0 {
		found := false
		for _, rl := range f.RiskLevels {
			if tr.RiskLevel == rl {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && tr.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && tr.Timestamp.After(*f.To) {
		return false
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(tr.SearchText()), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

func cloneTrace(tr *models.DecisionTrace) *models.DecisionTrace {
	cp := *tr
	cp.RulesTriggered = append([]models.RuleTriggered(nil), tr.RulesTriggered...)
	cp.ReviewNotes = append([]models.ReviewNote(nil), tr.ReviewNotes...)
	return &cp
}
