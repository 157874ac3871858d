// Package postgres implements the authoritative decision trace store on
// PostgreSQL via database/sql and lib/pq.
//
// Document fields use the text-preserving json column type rather than jsonb:
// jsonb reorders object keys, which would break the byte-for-byte round trip
// the canonicalization contract depends on.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/store"
	"veritrace/pkg/docval"
	"veritrace/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// Store is the PostgreSQL-backed primary store.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL trace store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const traceColumns = `id, source_system, input_payload, rules_triggered, output,
	confidence, risk_level, "timestamp", digest, review_notes, created_at, updated_at, metadata`

// Insert durably persists a new trace. Returns sentinel.ErrConflict when the
// id already exists; success is reported only after the write is committed.
func (s *Store) Insert(ctx context.Context, trace *models.DecisionTrace) error {
	input, err := json.Marshal(trace.InputPayload)
	if err != nil {
		return fmt.Errorf("marshal input_payload: %w", err)
	}
	rules, err := json.Marshal(trace.RulesTriggered)
	if err != nil {
		return fmt.Errorf("marshal rules_triggered: %w", err)
	}
	output, err := json.Marshal(trace.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	notes, err := json.Marshal(trace.ReviewNotes)
	if err != nil {
		return fmt.Errorf("marshal review_notes: %w", err)
	}
	metadata, err := json.Marshal(trace.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO decision_traces (` + traceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		trace.ID,
		trace.SourceSystem,
		input,
		rules,
		output,
		trace.Confidence,
		string(trace.RiskLevel),
		trace.Timestamp,
		trace.Digest,
		notes,
		trace.CreatedAt,
		trace.UpdatedAt,
		metadata,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("trace %s: %w", trace.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// Get fetches one trace by id.
func (s *Store) Get(ctx context.Context, id string) (*models.DecisionTrace, error) {
	query := `SELECT ` + traceColumns + ` FROM decision_traces WHERE id = $1`
	trace, err := scanTrace(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return trace, nil
}

// AppendReviewNote atomically appends one note and bumps updated_at. The row
// lock serializes concurrent appends on the same id so none is lost;
// different ids do not contend.
func (s *Store) AppendReviewNote(ctx context.Context, id string, note models.ReviewNote) (*models.DecisionTrace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var notesRaw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT review_notes FROM decision_traces WHERE id = $1 FOR UPDATE`, id,
	).Scan(&notesRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("lock trace row: %w", err)
	}

	var notes []models.ReviewNote
	if err := json.Unmarshal(notesRaw, &notes); err != nil {
		return nil, fmt.Errorf("unmarshal review_notes: %w", err)
	}
	notes = append(notes, note)

	updated, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("marshal review_notes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE decision_traces SET review_notes = $1, updated_at = $2 WHERE id = $3`,
		updated, note.Timestamp, id,
	); err != nil {
		return nil, fmt.Errorf("update review_notes: %w", err)
	}

	query := `SELECT ` + traceColumns + ` FROM decision_traces WHERE id = $1`
	trace, err := scanTrace(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("reload trace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	return trace, nil
}

// Count returns the number of traces matching the filter.
func (s *Store) Count(ctx context.Context, filter store.Filter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_traces`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

// GroupCount aggregates matching traces by the given field, most frequent
// first. topN <= 0 returns all buckets.
func (s *Store) GroupCount(ctx context.Context, field store.GroupField, filter store.Filter, topN int) ([]store.TermCount, error) {
	var column string
	switch field {
	case store.GroupByRiskLevel:
		column = "risk_level"
	case store.GroupBySourceSystem:
		column = "source_system"
	default:
		return nil, fmt.Errorf("group count: unsupported field %q", field)
	}

	where, args := buildWhere(filter)
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*) FROM decision_traces%s GROUP BY %s ORDER BY COUNT(*) DESC, %s ASC`,
		column, where, column, column,
	)
	if topN > 0 {
		args = append(args, topN)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()

	var out []store.TermCount
	for rows.Next() {
		var tc store.TermCount
		if err := rows.Scan(&tc.Value, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return out, nil
}

// Find is the fallback query path: filtered, timestamp-descending, paginated.
func (s *Store) Find(ctx context.Context, filter store.Filter, limit, offset int) ([]*models.DecisionTrace, int64, error) {
	total, err := s.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	where, args := buildWhere(filter)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		`SELECT `+traceColumns+` FROM decision_traces%s ORDER BY "timestamp" DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("find traces: %w", err)
	}
	defer rows.Close()

	traces := []*models.DecisionTrace{}
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate traces: %w", err)
	}
	return traces, total, nil
}

func buildWhere(filter store.Filter) (string, []any) {
	var clauses []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SourceSystem != "" {
		clauses = append(clauses, "source_system = "+arg(filter.SourceSystem))
	}
	if len(filter.RiskLevels) > 0 {
		levels := make([]string, len(filter.RiskLevels))
		for i, rl := range filter.RiskLevels {
			levels[i] = string(rl)
		}
		clauses = append(clauses, "risk_level = ANY("+arg(pq.Array(levels))+")")
	}
	if filter.From != nil {
		clauses = append(clauses, `"timestamp" >= `+arg(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, `"timestamp" <= `+arg(*filter.To))
	}
	if filter.Text != "" {
		pattern := "%" + filter.Text + "%"
		p := arg(pattern)
		clauses = append(clauses,
			"(input_payload::text ILIKE "+p+" OR output::text ILIKE "+p+" OR rules_triggered::text ILIKE "+p+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*models.DecisionTrace, error) {
	var (
		trace     models.DecisionTrace
		riskLevel string
		input     []byte
		rules     []byte
		output    []byte
		notes     []byte
		metadata  []byte
		ts        time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&trace.ID,
		&trace.SourceSystem,
		&input,
		&rules,
		&output,
		&trace.Confidence,
		&riskLevel,
		&ts,
		&trace.Digest,
		&notes,
		&createdAt,
		&updatedAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	trace.RiskLevel = models.RiskLevel(riskLevel)
	trace.Timestamp = ts.UTC()
	trace.CreatedAt = createdAt.UTC()
	trace.UpdatedAt = updatedAt.UTC()

	if trace.InputPayload, err = docval.FromJSON(input); err != nil {
		return nil, fmt.Errorf("decode input_payload: %w", err)
	}
	if trace.Output, err = docval.FromJSON(output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if trace.Metadata, err = docval.FromJSON(metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(rules, &trace.RulesTriggered); err != nil {
		return nil, fmt.Errorf("decode rules_triggered: %w", err)
	}
	if err := json.Unmarshal(notes, &trace.ReviewNotes); err != nil {
		return nil, fmt.Errorf("decode review_notes: %w", err)
	}
	if trace.ReviewNotes == nil {
		trace.ReviewNotes = []models.ReviewNote{}
	}
	return &trace, nil
}
