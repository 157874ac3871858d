package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/store"
	"veritrace/pkg/docval"
	"veritrace/pkg/platform/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New()
}

func newTestTrace(id, source string, risk models.RiskLevel, ts time.Time) *models.DecisionTrace {
	input, _ := docval.FromJSON([]byte(`{"transaction_id":"TXN123","merchant":"TechStore"}`))
	output, _ := docval.FromJSON([]byte(`{"decision":"APPROVED"}`))
	return &models.DecisionTrace{
		ID:           id,
		SourceSystem: source,
		InputPayload: input,
		RulesTriggered: []models.RuleTriggered{
			{RuleID: "R001", RuleName: "high_value_check", Condition: "amount > 1000", Result: true},
		},
		Output:      output,
		Confidence:  0.95,
		RiskLevel:   risk,
		Timestamp:   ts,
		Digest:      "d1",
		ReviewNotes: []models.ReviewNote{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Metadata:    docval.EmptyMap(),
	}
}

func (s *MemoryStoreSuite) TestInsertAndGet() {
	ctx := context.Background()
	tr := newTestTrace("DEC_1", "fraud_detection", models.RiskMedium, time.Now())

	s.Require().NoError(s.store.Insert(ctx, tr))

	found, err := s.store.Get(ctx, "DEC_1")
	s.Require().NoError(err)
	s.Equal(tr.SourceSystem, found.SourceSystem)
	s.Equal(tr.Digest, found.Digest)
}

func (s *MemoryStoreSuite) TestInsertDuplicateIDConflicts() {
	ctx := context.Background()
	tr := newTestTrace("DEC_1", "fraud_detection", models.RiskLow, time.Now())

	s.Require().NoError(s.store.Insert(ctx, tr))
	err := s.store.Insert(ctx, tr)
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *MemoryStoreSuite) TestGetUnknownIDReturnsNotFound() {
	_, err := s.store.Get(context.Background(), "nonexistent")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestAppendReviewNote() {
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)
	tr := newTestTrace("DEC_1", "fraud_detection", models.RiskMedium, created)
	s.Require().NoError(s.store.Insert(ctx, tr))

	noteTime := time.Now()
	updated, err := s.store.AppendReviewNote(ctx, "DEC_1", models.ReviewNote{
		Reviewer:  "alice",
		Note:      "looks fine",
		Tags:      []string{"ok"},
		Timestamp: noteTime,
	})
	s.Require().NoError(err)
	s.Require().Len(updated.ReviewNotes, 1)
	s.Equal("alice", updated.ReviewNotes[0].Reviewer)
	s.True(updated.UpdatedAt.After(created), "updated_at must advance on annotation")
	s.Equal("d1", updated.Digest, "annotation must not touch the digest")
}

func (s *MemoryStoreSuite) TestAppendReviewNoteUnknownID() {
	_, err := s.store.AppendReviewNote(context.Background(), "nonexistent", models.ReviewNote{Reviewer: "a", Note: "n"})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

// TestConcurrentAppendsAreLossless drives N concurrent appends on one id and
// expects all of them to land exactly once.
func (s *MemoryStoreSuite) TestConcurrentAppendsAreLossless() {
	ctx := context.Background()
	tr := newTestTrace("DEC_1", "fraud_detection", models.RiskMedium, time.Now())
	s.Require().NoError(s.store.Insert(ctx, tr))

	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		note := fmt.Sprintf("note-%d", i)
		g.Go(func() error {
			_, err := s.store.AppendReviewNote(ctx, "DEC_1", models.ReviewNote{
				Reviewer:  "bot",
				Note:      note,
				Timestamp: time.Now(),
			})
			return err
		})
	}
	s.Require().NoError(g.Wait())

	found, err := s.store.Get(ctx, "DEC_1")
	s.Require().NoError(err)
	s.Require().Len(found.ReviewNotes, n)

	seen := make(map[string]int, n)
	for _, note := range found.ReviewNotes {
		seen[note.Note]++
	}
	for i := 0; i < n; i++ {
		s.Equal(1, seen[fmt.Sprintf("note-%d", i)], "each note appears exactly once")
	}
}

func (s *MemoryStoreSuite) TestFindFiltersAndPaginates() {
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		tr := newTestTrace(fmt.Sprintf("DEC_F%d", i), "fraud_detection", models.RiskLow, base.Add(time.Duration(i)*time.Second))
		s.Require().NoError(s.store.Insert(ctx, tr))
	}
	for i := 0; i < 3; i++ {
		tr := newTestTrace(fmt.Sprintf("DEC_L%d", i), "loan_approval", models.RiskHigh, base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.store.Insert(ctx, tr))
	}

	items, total, err := s.store.Find(ctx, store.Filter{SourceSystem: "fraud_detection"}, 2, 0)
	s.Require().NoError(err)
	s.Equal(int64(5), total)
	s.Require().Len(items, 2)
	s.Equal("DEC_F4", items[0].ID, "newest first")
	s.Equal("DEC_F3", items[1].ID)

	items, total, err = s.store.Find(ctx, store.Filter{SourceSystem: "fraud_detection"}, 2, 4)
	s.Require().NoError(err)
	s.Equal(int64(5), total)
	s.Len(items, 1)
}

func (s *MemoryStoreSuite) TestFindTimeRangeInclusive() {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tr := newTestTrace(fmt.Sprintf("DEC_%d", i), "sys", models.RiskLow, base.Add(time.Duration(i)*time.Hour))
		s.Require().NoError(s.store.Insert(ctx, tr))
	}

	from := base
	to := base.Add(time.Hour)
	items, total, err := s.store.Find(ctx, store.Filter{From: &from, To: &to}, 10, 0)
	s.Require().NoError(err)
	s.Equal(int64(2), total)
	s.Len(items, 2)
}

func (s *MemoryStoreSuite) TestFindTextSubstring() {
	ctx := context.Background()
	tr := newTestTrace("DEC_1", "fraud_detection", models.RiskLow, time.Now())
	s.Require().NoError(s.store.Insert(ctx, tr))

	_, total, err := s.store.Find(ctx, store.Filter{Text: "techstore"}, 10, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), total, "case-insensitive substring over document text")

	_, total, err = s.store.Find(ctx, store.Filter{Text: "no_such_merchant"}, 10, 0)
	s.Require().NoError(err)
	s.Equal(int64(0), total)
}

func (s *MemoryStoreSuite) TestGroupCount() {
	ctx := context.Background()
	now := time.Now()
	rows := []struct {
		id   string
		risk models.RiskLevel
	}{
		{"DEC_1", models.RiskLow}, {"DEC_2", models.RiskLow}, {"DEC_3", models.RiskLow},
		{"DEC_4", models.RiskHigh}, {"DEC_5", models.RiskHigh},
		{"DEC_6", models.RiskCritical},
	}
	for _, row := range rows {
		s.Require().NoError(s.store.Insert(ctx, newTestTrace(row.id, "sys", row.risk, now)))
	}

	buckets, err := s.store.GroupCount(ctx, store.GroupByRiskLevel, store.Filter{}, 0)
	s.Require().NoError(err)

	got := make(map[string]int64)
	for _, b := range buckets {
		got[b.Value] = b.Count
	}
	s.Equal(map[string]int64{"low": 3, "high": 2, "critical": 1}, got)
	s.Equal("low", buckets[0].Value, "ordered by count descending")
}
