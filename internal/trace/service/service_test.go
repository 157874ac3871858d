package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"veritrace/internal/trace/events"
	"veritrace/internal/trace/models"
	searchmem "veritrace/internal/trace/search/memory"
	storemem "veritrace/internal/trace/store/memory"
	dErrors "veritrace/pkg/domain-errors"
	"veritrace/pkg/docval"
	"veritrace/pkg/requestcontext"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Emit(_ context.Context, event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) list() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

type TraceServiceSuite struct {
	suite.Suite
	store   *storemem.InMemoryStore
	index   *searchmem.InMemoryIndex
	events  *capturedEvents
	service *Service
}

func TestTraceServiceSuite(t *testing.T) {
	suite.Run(t, new(TraceServiceSuite))
}

func (s *TraceServiceSuite) SetupTest() {
	s.store = storemem.New()
	s.index = searchmem.New()
	s.events = &capturedEvents{}
	s.service = New(s.store,
		WithIndex(s.index),
		WithEventPublisher(s.events),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *TraceServiceSuite) validInput() CreateInput {
	payload, err := docval.FromJSON([]byte(`{"applicant_id": "A-102", "amount": 5200.5}`))
	s.Require().NoError(err)
	output, err := docval.FromJSON([]byte(`{"approved": false, "reason": "amount exceeds threshold"}`))
	s.Require().NoError(err)
	return CreateInput{
		SourceSystem: "loan-engine",
		InputPayload: payload,
		RulesTriggered: []models.RuleTriggered{
			{RuleID: "R-7", RuleName: "amount threshold", Condition: "amount > 5000", Result: true},
		},
		Output:     output,
		Confidence: 0.92,
		RiskLevel:  "high",
	}
}

func (s *TraceServiceSuite) TestCreate() {
	s.Run("assigns id, digest and timestamps", func() {
		trace, err := s.service.Create(context.Background(), s.validInput())
		s.Require().NoError(err)
		s.Regexp(`^DEC_\d{8}_\d{16}_[0-9a-f]{8}$`, trace.ID)
		s.Len(trace.Digest, 64)
		s.Equal(models.RiskHigh, trace.RiskLevel)
		s.NotNil(trace.ReviewNotes)
		s.Empty(trace.ReviewNotes)
		s.Equal(trace.CreatedAt, trace.UpdatedAt)
		s.Zero(trace.Timestamp.Nanosecond() % 1000)
	})

	s.Run("persists to primary and projects into index", func() {
		trace, err := s.service.Create(context.Background(), s.validInput())
		s.Require().NoError(err)

		stored, err := s.service.Get(context.Background(), trace.ID)
		s.Require().NoError(err)
		s.Equal(trace.Digest, stored.Digest)
		s.Positive(s.index.Len())
	})

	s.Run("uses request time for id and created_at", func() {
		at := time.Date(2025, 6, 2, 9, 30, 0, 123456000, time.UTC)
		ctx := requestcontext.WithTime(context.Background(), at)

		trace, err := s.service.Create(ctx, s.validInput())
		s.Require().NoError(err)
		s.Contains(trace.ID, "DEC_20250602_")
		s.Equal(at, trace.CreatedAt)
		s.Equal(at, trace.Timestamp)
	})

	s.Run("honors explicit decision timestamp", func() {
		ts := time.Date(2025, 5, 30, 18, 0, 0, 0, time.UTC)
		in := s.validInput()
		in.Timestamp = &ts

		trace, err := s.service.Create(context.Background(), in)
		s.Require().NoError(err)
		s.Equal(ts, trace.Timestamp)
		s.NotEqual(ts, trace.CreatedAt)
	})

	s.Run("defaults absent documents to empty maps", func() {
		in := CreateInput{SourceSystem: "loan-engine", Confidence: 0.5, RiskLevel: "low"}
		trace, err := s.service.Create(context.Background(), in)
		s.Require().NoError(err)
		s.Equal(docval.Map, trace.InputPayload.Kind())
		s.Equal(docval.Map, trace.Output.Kind())
		s.Equal(docval.Map, trace.Metadata.Kind())
		s.NotNil(trace.RulesTriggered)
	})

	s.Run("emits trace_created event", func() {
		ctx := requestcontext.WithRequestID(context.Background(), "req-42")
		trace, err := s.service.Create(ctx, s.validInput())
		s.Require().NoError(err)

		evts := s.events.list()
		s.Require().NotEmpty(evts)
		last := evts[len(evts)-1]
		s.Equal(events.TraceCreated, last.Type)
		s.Equal(trace.ID, last.TraceID)
		s.Equal("req-42", last.RequestID)
	})
}

func (s *TraceServiceSuite) TestCreate_Validation() {
	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing source_system", func(in *CreateInput) { in.SourceSystem = "  " }},
		{"confidence below zero", func(in *CreateInput) { in.Confidence = -0.01 }},
		{"confidence above one", func(in *CreateInput) { in.Confidence = 1.01 }},
		{"unknown risk level", func(in *CreateInput) { in.RiskLevel = "severe" }},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			in := s.validInput()
			tc.mutate(&in)
			_, err := s.service.Create(context.Background(), in)
			s.requireCode(err, dErrors.CodeValidation)
		})
	}

	s.Run("confidence boundaries are inclusive", func() {
		for _, c := range []float64{0, 1} {
			in := s.validInput()
			in.Confidence = c
			_, err := s.service.Create(context.Background(), in)
			s.NoError(err)
		}
	})
}

func (s *TraceServiceSuite) TestCreate_IndexFailureDoesNotFailIngest() {
	s.index.SetFailWrites(true)

	trace, err := s.service.Create(context.Background(), s.validInput())
	s.Require().NoError(err)

	stored, err := s.service.Get(context.Background(), trace.ID)
	s.Require().NoError(err)
	s.Equal(trace.ID, stored.ID)
	s.Zero(s.index.Len())
}

func (s *TraceServiceSuite) TestGet_NotFound() {
	_, err := s.service.Get(context.Background(), "DEC_20250601_0000000000000000_ffffffff")
	s.requireCode(err, dErrors.CodeNotFound)
}

func (s *TraceServiceSuite) TestAnnotate() {
	trace, err := s.service.Create(context.Background(), s.validInput())
	s.Require().NoError(err)

	s.Run("appends note without touching digest", func() {
		updated, err := s.service.Annotate(context.Background(), trace.ID, AnnotateInput{
			Reviewer: "j.doe",
			Note:     "confirmed threshold breach",
			Tags:     []string{"reviewed"},
		})
		s.Require().NoError(err)
		s.Require().Len(updated.ReviewNotes, 1)
		s.Equal("j.doe", updated.ReviewNotes[0].Reviewer)
		s.Equal(trace.Digest, updated.Digest)
		s.True(updated.UpdatedAt.After(trace.UpdatedAt) || updated.UpdatedAt.Equal(trace.UpdatedAt))

		result, err := s.service.Verify(context.Background(), trace.ID)
		s.Require().NoError(err)
		s.True(result.Valid)
	})

	s.Run("notes accumulate in order", func() {
		_, err := s.service.Annotate(context.Background(), trace.ID, AnnotateInput{Reviewer: "a", Note: "first"})
		s.Require().NoError(err)
		updated, err := s.service.Annotate(context.Background(), trace.ID, AnnotateInput{Reviewer: "b", Note: "second"})
		s.Require().NoError(err)

		n := len(updated.ReviewNotes)
		s.Require().GreaterOrEqual(n, 3)
		s.Equal("first", updated.ReviewNotes[n-2].Note)
		s.Equal("second", updated.ReviewNotes[n-1].Note)
	})

	s.Run("emits trace_annotated event", func() {
		evts := s.events.list()
		s.Require().NotEmpty(evts)
		last := evts[len(evts)-1]
		s.Equal(events.TraceAnnotated, last.Type)
		s.Equal("b", last.Reviewer)
	})
}

func (s *TraceServiceSuite) TestAnnotate_Validation() {
	trace, err := s.service.Create(context.Background(), s.validInput())
	s.Require().NoError(err)

	long := make([]byte, models.MaxNoteLength+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name  string
		input AnnotateInput
	}{
		{"missing reviewer", AnnotateInput{Note: "n"}},
		{"empty note", AnnotateInput{Reviewer: "r"}},
		{"note too long", AnnotateInput{Reviewer: "r", Note: string(long)}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.Annotate(context.Background(), trace.ID, tc.input)
			s.requireCode(err, dErrors.CodeValidation)
		})
	}

	s.Run("note at the limit is accepted", func() {
		_, err := s.service.Annotate(context.Background(), trace.ID, AnnotateInput{
			Reviewer: "r",
			Note:     string(long[:models.MaxNoteLength]),
		})
		s.NoError(err)
	})

	s.Run("unknown trace returns not found", func() {
		_, err := s.service.Annotate(context.Background(), "DEC_20250601_0000000000000000_ffffffff", AnnotateInput{
			Reviewer: "r", Note: "n",
		})
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *TraceServiceSuite) TestAnnotate_IndexFailureDoesNotFailAppend() {
	trace, err := s.service.Create(context.Background(), s.validInput())
	s.Require().NoError(err)

	s.index.SetFailWrites(true)
	updated, err := s.service.Annotate(context.Background(), trace.ID, AnnotateInput{Reviewer: "r", Note: "n"})
	s.Require().NoError(err)
	s.Len(updated.ReviewNotes, 1)
}

func (s *TraceServiceSuite) TestVerify() {
	trace, err := s.service.Create(context.Background(), s.validInput())
	s.Require().NoError(err)

	s.Run("intact trace verifies", func() {
		result, err := s.service.Verify(context.Background(), trace.ID)
		s.Require().NoError(err)
		s.True(result.Valid)
		s.Equal(result.StoredDigest, result.ComputedDigest)
	})

	s.Run("tampered field is detected", func() {
		s.store.Tamper(trace.ID, func(t *models.DecisionTrace) {
			t.Confidence = 0.999
		})

		result, err := s.service.Verify(context.Background(), trace.ID)
		s.Require().NoError(err)
		s.False(result.Valid)
		s.NotEqual(result.StoredDigest, result.ComputedDigest)
	})

	s.Run("unknown trace returns not found", func() {
		_, err := s.service.Verify(context.Background(), "DEC_20250601_0000000000000000_ffffffff")
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *TraceServiceSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	var dErr *dErrors.Error
	s.Require().ErrorAs(err, &dErr)
	s.Equal(code, dErr.Code)
}
