// Package service orchestrates the decision trace lifecycle: ingest with
// digest computation, retrieval, integrity verification, and append-only
// review annotations. The primary store is authoritative; the search index
// is a best-effort projection that never fails a write.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"veritrace/internal/trace/canonical"
	"veritrace/internal/trace/events"
	"veritrace/internal/trace/metrics"
	"veritrace/internal/trace/models"
	"veritrace/internal/trace/search"
	"veritrace/internal/trace/store"
	"veritrace/internal/trace/traceid"
	dErrors "veritrace/pkg/domain-errors"
	"veritrace/pkg/docval"
	"veritrace/pkg/platform/sentinel"
	"veritrace/pkg/requestcontext"
)

const tracerName = "veritrace/trace"

// EventPublisher emits lifecycle events. Delivery is best-effort.
type EventPublisher interface {
	Emit(ctx context.Context, event events.Event)
}

// Service implements the decision trace write path and single-record reads.
type Service struct {
	store   store.Store
	index   search.Index
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  EventPublisher
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithIndex(index search.Index) Option {
	return func(s *Service) {
		s.index = index
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.events = publisher
	}
}

// New constructs a Service over the authoritative store.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput carries one decision trace to ingest. Timestamp is optional
// and defaults to the request time.
type CreateInput struct {
	SourceSystem   string
	InputPayload   docval.Value
	RulesTriggered []models.RuleTriggered
	Output         docval.Value
	Confidence     float64
	RiskLevel      string
	Timestamp      *time.Time
	Metadata       docval.Value
}

func (in *CreateInput) validate() (models.RiskLevel, error) {
	if strings.TrimSpace(in.SourceSystem) == "" {
		return "", dErrors.New(dErrors.CodeValidation, "source_system is required")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return "", dErrors.Newf(dErrors.CodeValidation, "confidence must be between 0 and 1; got %g", in.Confidence)
	}
	return models.ParseRiskLevel(in.RiskLevel)
}

// Create ingests a decision trace: assigns a time-ordered id, computes the
// tamper-evidence digest, persists to the primary store, and projects into
// the search index best-effort.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.DecisionTrace, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Create",
		oteltrace.WithAttributes(attribute.String("source_system", in.SourceSystem)))
	defer span.End()

	riskLevel, err := in.validate()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	// Timestamps carry microsecond precision so the digest survives storage
	// round trips unchanged.
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	ts := now
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC().Truncate(time.Microsecond)
	}

	rules := in.RulesTriggered
	if rules == nil {
		rules = []models.RuleTriggered{}
	}

	trace := &models.DecisionTrace{
		ID:             traceid.New(now),
		SourceSystem:   strings.TrimSpace(in.SourceSystem),
		InputPayload:   orEmptyMap(in.InputPayload),
		RulesTriggered: rules,
		Output:         orEmptyMap(in.Output),
		Confidence:     in.Confidence,
		RiskLevel:      riskLevel,
		Timestamp:      ts,
		ReviewNotes:    []models.ReviewNote{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       orEmptyMap(in.Metadata),
	}

	digest, err := canonical.Digest(trace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest failed")
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to compute trace digest", err)
	}
	trace.Digest = digest

	if err := s.store.Insert(ctx, trace); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "decision trace %s already exists", trace.ID)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to persist decision trace", err)
	}

	s.indexTrace(ctx, trace)
	s.emit(ctx, events.Event{
		Type:         events.TraceCreated,
		TraceID:      trace.ID,
		SourceSystem: trace.SourceSystem,
		RiskLevel:    string(trace.RiskLevel),
		Timestamp:    now,
	})
	s.metrics.IncrementTraceCreated(string(trace.RiskLevel))
	s.metrics.ObserveOperation("create", start)

	span.SetAttributes(
		attribute.String("trace_id", trace.ID),
		attribute.String("risk_level", string(trace.RiskLevel)),
	)
	return trace, nil
}

// Get retrieves one trace from the primary store.
func (s *Service) Get(ctx context.Context, id string) (*models.DecisionTrace, error) {
	trace, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "decision trace %s not found", id)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to load decision trace", err)
	}
	return trace, nil
}

// AnnotateInput is one reviewer annotation to append.
type AnnotateInput struct {
	Reviewer string
	Note     string
	Tags     []string
}

func (in *AnnotateInput) validate() error {
	if strings.TrimSpace(in.Reviewer) == "" {
		return dErrors.New(dErrors.CodeValidation, "reviewer is required")
	}
	if in.Note == "" {
		return dErrors.New(dErrors.CodeValidation, "note must not be empty")
	}
	if utf8.RuneCountInString(in.Note) > models.MaxNoteLength {
		return dErrors.Newf(dErrors.CodeValidation, "note exceeds %d characters", models.MaxNoteLength)
	}
	return nil
}

// Annotate appends a review note to an existing trace. The note never
// touches the digest-covered fields, so verification is unaffected.
func (s *Service) Annotate(ctx context.Context, id string, in AnnotateInput) (*models.DecisionTrace, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Annotate",
		oteltrace.WithAttributes(attribute.String("trace_id", id)))
	defer span.End()

	if err := in.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	note := models.ReviewNote{
		Reviewer:  strings.TrimSpace(in.Reviewer),
		Note:      in.Note,
		Tags:      tags,
		Timestamp: requestcontext.Now(ctx).UTC().Truncate(time.Microsecond),
	}

	updated, err := s.store.AppendReviewNote(ctx, id, note)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "decision trace %s not found", id)
		}
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to append review note", err)
	}

	s.updateIndexNotes(ctx, updated)
	s.emit(ctx, events.Event{
		Type:         events.TraceAnnotated,
		TraceID:      updated.ID,
		SourceSystem: updated.SourceSystem,
		RiskLevel:    string(updated.RiskLevel),
		Reviewer:     note.Reviewer,
		Timestamp:    note.Timestamp,
	})
	s.metrics.IncrementAnnotation()
	s.metrics.ObserveOperation("annotate", start)

	return updated, nil
}

// VerifyResult is the outcome of one integrity verification.
type VerifyResult struct {
	TraceID        string
	Valid          bool
	StoredDigest   string
	ComputedDigest string
}

// Verify recomputes the digest from the stored trace and compares it with
// the digest recorded at ingest.
func (s *Service) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trace.Verify",
		oteltrace.WithAttributes(attribute.String("trace_id", id)))
	defer span.End()

	trace, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	computed, err := canonical.Digest(trace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest failed")
		return nil, dErrors.Wrap(dErrors.CodeInternal, "failed to recompute trace digest", err)
	}

	valid := computed == trace.Digest
	if !valid {
		s.logger.WarnContext(ctx, "trace digest mismatch",
			"trace_id", id,
			"stored", trace.Digest,
			"computed", computed,
		)
	}
	s.metrics.IncrementVerification(valid)
	s.metrics.ObserveOperation("verify", start)
	span.SetAttributes(attribute.Bool("valid", valid))

	return &VerifyResult{
		TraceID:        id,
		Valid:          valid,
		StoredDigest:   trace.Digest,
		ComputedDigest: computed,
	}, nil
}

// indexTrace projects a trace into the search index. Failures are logged
// and counted, never returned: the primary store has already committed.
func (s *Service) indexTrace(ctx context.Context, trace *models.DecisionTrace) {
	if s.index == nil {
		return
	}
	if err := s.index.Index(ctx, trace); err != nil {
		s.logger.WarnContext(ctx, "search index write failed, continuing",
			"trace_id", trace.ID,
			"error", err,
		)
		s.metrics.IncrementIndexWriteFailure("index")
	}
}

func (s *Service) updateIndexNotes(ctx context.Context, trace *models.DecisionTrace) {
	if s.index == nil {
		return
	}
	err := s.index.UpdateNotes(ctx, trace.ID, trace.ReviewNotes)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		// Trace was never projected; a later reindex picks it up.
		s.logger.DebugContext(ctx, "trace absent from search index, skipping note update",
			"trace_id", trace.ID,
		)
	default:
		s.logger.WarnContext(ctx, "search index note update failed, continuing",
			"trace_id", trace.ID,
			"error", err,
		)
		s.metrics.IncrementIndexWriteFailure("update_notes")
	}
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	s.events.Emit(ctx, event)
}

func orEmptyMap(v docval.Value) docval.Value {
	if v.IsNull() {
		return docval.EmptyMap()
	}
	return v
}
