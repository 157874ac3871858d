package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"veritrace/internal/trace/models"
	searchmem "veritrace/internal/trace/search/memory"
	"veritrace/internal/trace/store"
	storemem "veritrace/internal/trace/store/memory"
	"veritrace/pkg/docval"
	"veritrace/pkg/requestcontext"
)

type TraceQuerySuite struct {
	suite.Suite
	store   *storemem.InMemoryStore
	index   *searchmem.InMemoryIndex
	service *Service
}

func TestTraceQuerySuite(t *testing.T) {
	suite.Run(t, new(TraceQuerySuite))
}

func (s *TraceQuerySuite) SetupTest() {
	s.store = storemem.New()
	s.index = searchmem.New()
	s.service = New(s.store,
		WithIndex(s.index),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

// seed ingests n traces one second apart, cycling through source systems and
// risk levels. Returns the created traces oldest first.
func (s *TraceQuerySuite) seed(n int) []*models.DecisionTrace {
	systems := []string{"loan-engine", "fraud-screen", "kyc-check"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	out := make([]*models.DecisionTrace, 0, n)
	for i := 0; i < n; i++ {
		payload, err := docval.FromJSON([]byte(fmt.Sprintf(`{"case": "case-%d", "city": "Rotterdam"}`, i)))
		s.Require().NoError(err)

		ctx := requestcontext.WithTime(context.Background(), base.Add(time.Duration(i)*time.Second))
		trace, err := s.service.Create(ctx, CreateInput{
			SourceSystem: systems[i%len(systems)],
			InputPayload: payload,
			Confidence:   0.5,
			RiskLevel:    string(models.AllRiskLevels[i%len(models.AllRiskLevels)]),
		})
		s.Require().NoError(err)
		out = append(out, trace)
	}
	return out
}

func (s *TraceQuerySuite) TestSearch() {
	seeded := s.seed(10)

	s.Run("unfiltered search returns newest first", func() {
		res, err := s.service.Search(context.Background(), SearchParams{})
		s.Require().NoError(err)
		s.Equal(int64(10), res.Total)
		s.Require().Len(res.Items, 10)
		s.Equal(seeded[9].ID, res.Items[0].ID)
		s.Equal(seeded[0].ID, res.Items[9].ID)
		s.False(res.HasMore)
	})

	s.Run("pagination reports has_more", func() {
		res, err := s.service.Search(context.Background(), SearchParams{Limit: 3})
		s.Require().NoError(err)
		s.Len(res.Items, 3)
		s.Equal(3, res.Limit)
		s.True(res.HasMore)

		res, err = s.service.Search(context.Background(), SearchParams{Limit: 3, Offset: 9})
		s.Require().NoError(err)
		s.Len(res.Items, 1)
		s.False(res.HasMore)
	})

	s.Run("defaults and caps the limit", func() {
		res, err := s.service.Search(context.Background(), SearchParams{})
		s.Require().NoError(err)
		s.Equal(DefaultSearchLimit, res.Limit)

		res, err = s.service.Search(context.Background(), SearchParams{Limit: 500, Offset: -3})
		s.Require().NoError(err)
		s.Equal(MaxSearchLimit, res.Limit)
		s.Equal(0, res.Offset)
	})

	s.Run("filters compose", func() {
		from := seeded[2].Timestamp
		res, err := s.service.Search(context.Background(), SearchParams{
			Filter: filterFor("loan-engine", nil, &from, nil, ""),
		})
		s.Require().NoError(err)
		for _, item := range res.Items {
			s.Equal("loan-engine", item.SourceSystem)
			s.False(item.Timestamp.Before(from))
		}
	})

	s.Run("full-text matches document content", func() {
		res, err := s.service.Search(context.Background(), SearchParams{
			Filter: filterFor("", nil, nil, nil, "Rotterdam"),
		})
		s.Require().NoError(err)
		s.Equal(int64(10), res.Total)

		res, err = s.service.Search(context.Background(), SearchParams{
			Filter: filterFor("", nil, nil, nil, "Antwerp"),
		})
		s.Require().NoError(err)
		s.Zero(res.Total)
	})
}

func (s *TraceQuerySuite) TestSearch_FallsBackWhenIndexDown() {
	seeded := s.seed(6)
	s.index.SetUnavailable(true)

	res, err := s.service.Search(context.Background(), SearchParams{Limit: 4})
	s.Require().NoError(err)
	s.Equal(int64(6), res.Total)
	s.Require().Len(res.Items, 4)
	s.Equal(seeded[5].ID, res.Items[0].ID)
	s.True(res.HasMore)
}

func (s *TraceQuerySuite) TestSearch_FallbackCoversIndexGaps() {
	// Index writes fail silently during ingest; the primary still answers.
	s.index.SetFailWrites(true)
	s.seed(4)
	s.Zero(s.index.Len())

	s.index.SetUnavailable(true)
	res, err := s.service.Search(context.Background(), SearchParams{})
	s.Require().NoError(err)
	s.Equal(int64(4), res.Total)
}

func (s *TraceQuerySuite) TestStatistics() {
	s.seed(9)

	stats, err := s.service.Statistics(context.Background())
	s.Require().NoError(err)
	s.Equal(int64(9), stats.TotalDecisions)

	var riskTotal int64
	for _, tc := range stats.ByRiskLevel {
		riskTotal += tc.Count
	}
	s.Equal(int64(9), riskTotal)

	s.Require().Len(stats.BySourceSystem, 3)
	s.Equal(int64(3), stats.BySourceSystem[0].Count)
}

func (s *TraceQuerySuite) TestDistributions() {
	s.seed(8)

	s.Run("risk distribution from index", func() {
		counts, err := s.service.RiskDistribution(context.Background())
		s.Require().NoError(err)
		var total int64
		for _, tc := range counts {
			total += tc.Count
		}
		s.Equal(int64(8), total)
	})

	s.Run("system distribution from index", func() {
		counts, err := s.service.SystemDistribution(context.Background())
		s.Require().NoError(err)
		s.Len(counts, 3)
		s.GreaterOrEqual(counts[0].Count, counts[len(counts)-1].Count)
	})

	s.Run("falls back to primary when index down", func() {
		s.index.SetUnavailable(true)
		counts, err := s.service.RiskDistribution(context.Background())
		s.Require().NoError(err)
		var total int64
		for _, tc := range counts {
			total += tc.Count
		}
		s.Equal(int64(8), total)
	})
}

func (s *TraceQuerySuite) TestRecentHighRisk() {
	s.seed(12)

	items, err := s.service.RecentHighRisk(context.Background(), 5)
	s.Require().NoError(err)
	s.Require().NotEmpty(items)
	s.LessOrEqual(len(items), 5)
	for _, item := range items {
		s.Contains([]models.RiskLevel{models.RiskHigh, models.RiskCritical}, item.RiskLevel)
	}
	for i := 1; i < len(items); i++ {
		s.False(items[i-1].Timestamp.Before(items[i].Timestamp))
	}

	s.Run("default limit when zero", func() {
		items, err := s.service.RecentHighRisk(context.Background(), 0)
		s.Require().NoError(err)
		s.LessOrEqual(len(items), 10)
	})
}

func filterFor(system string, levels []models.RiskLevel, from, to *time.Time, text string) store.Filter {
	return store.Filter{
		SourceSystem: system,
		RiskLevels:   levels,
		From:         from,
		To:           to,
		Text:         text,
	}
}
