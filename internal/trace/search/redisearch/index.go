// Package redisearch projects decision traces into a RediSearch index over
// Redis hashes. One hash per trace under the trace: prefix carries the
// filterable fields, the extracted full-text body, and the serialized
// document itself.
package redisearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"veritrace/internal/trace/models"
	"veritrace/internal/trace/search"
	"veritrace/internal/trace/store"
	"veritrace/pkg/platform/sentinel"
)

const (
	indexName = "idx:decision_traces"
	keyPrefix = "trace:"
)

// Index is the RediSearch-backed search projector.
type Index struct {
	client redis.UniversalClient
}

// New creates a projector over an established Redis client.
func New(client redis.UniversalClient) *Index {
	return &Index{client: client}
}

// EnsureIndex creates the search index if it does not exist yet. Safe to call
// at every startup.
func (i *Index) EnsureIndex(ctx context.Context) error {
	err := i.client.FTCreate(ctx, indexName,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{keyPrefix},
		},
		&redis.FieldSchema{FieldName: "source_system", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "risk_level", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "timestamp_us", FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{FieldName: "body", FieldType: redis.SearchFieldTypeText},
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "Index already exists") {
			return nil
		}
		return unavailable("ft.create", err)
	}
	return nil
}

// Index creates or replaces the projection of one trace.
func (i *Index) Index(ctx context.Context, trace *models.DecisionTrace) error {
	doc, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", trace.ID, err)
	}
	notes, err := json.Marshal(trace.ReviewNotes)
	if err != nil {
		return fmt.Errorf("marshal review_notes: %w", err)
	}

	fields := map[string]interface{}{
		"id":            trace.ID,
		"source_system": trace.SourceSystem,
		"risk_level":    string(trace.RiskLevel),
		"timestamp_us":  trace.Timestamp.UnixMicro(),
		"body":          trace.SearchText(),
		"doc":           string(doc),
		"notes":         string(notes),
	}
	if err := i.client.HSet(ctx, keyPrefix+trace.ID, fields).Err(); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

// UpdateNotes rewrites only the review_notes projection of an already
// indexed trace.
func (i *Index) UpdateNotes(ctx context.Context, id string, notes []models.ReviewNote) error {
	raw, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("marshal review_notes: %w", err)
	}

	key := keyPrefix + id
	exists, err := i.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("exists", err)
	}
	if exists == 0 {
		// Trace was never indexed (index write failed at creation); an
		// external reindex job will pick it up.
		return sentinel.ErrNotFound
	}
	if err := i.client.HSet(ctx, key, "notes", string(raw)).Err(); err != nil {
		return unavailable("hset notes", err)
	}
	return nil
}

// Search runs a filtered, optionally full-text query, newest first.
func (i *Index) Search(ctx context.Context, q search.Query) (*search.Result, error) {
	res, err := i.client.FTSearchWithArgs(ctx, indexName, buildQuery(q.Filter), &redis.FTSearchOptions{
		SortBy:      []redis.FTSearchSortBy{{FieldName: "timestamp_us", Desc: true}},
		LimitOffset: q.Offset,
		Limit:       q.Limit,
		Return: []redis.FTSearchReturn{
			{FieldName: "doc"},
			{FieldName: "notes"},
		},
	}).Result()
	if err != nil {
		return nil, unavailable("ft.search", err)
	}

	items := make([]*models.DecisionTrace, 0, len(res.Docs))
	for _, d := range res.Docs {
		trace, err := decodeDoc(d.Fields)
		if err != nil {
			return nil, fmt.Errorf("decode indexed trace %s: %w", d.ID, err)
		}
		items = append(items, trace)
	}
	return &search.Result{Items: items, Total: int64(res.Total)}, nil
}

// AggregateTerms buckets indexed traces by a tag field.
func (i *Index) AggregateTerms(ctx context.Context, field store.GroupField, size int) ([]store.TermCount, error) {
	var property string
	switch field {
	case store.GroupByRiskLevel:
		property = "risk_level"
	case store.GroupBySourceSystem:
		property = "source_system"
	default:
		return nil, fmt.Errorf("aggregate: unsupported field %q", field)
	}

	opts := &redis.FTAggregateOptions{
		GroupBy: []redis.FTAggregateGroupBy{{
			Fields: []interface{}{"@" + property},
			Reduce: []redis.FTAggregateReducer{{Reducer: redis.SearchCount, As: "count"}},
		}},
		SortBy: []redis.FTAggregateSortBy{{FieldName: "@count", Desc: true}},
	}
	if size > 0 {
		opts.Limit = size
		opts.LimitOffset = 0
	}

	res, err := i.client.FTAggregateWithArgs(ctx, indexName, "*", opts).Result()
	if err != nil {
		return nil, unavailable("ft.aggregate", err)
	}

	out := make([]store.TermCount, 0, len(res.Rows))
	for _, row := range res.Rows {
		value, _ := row.Fields[property].(string)
		count, err := fieldInt(row.Fields["count"])
		if err != nil {
			return nil, fmt.Errorf("aggregate bucket %q: %w", value, err)
		}
		out = append(out, store.TermCount{Value: value, Count: count})
	}
	return out, nil
}

// buildQuery renders a store filter as a RediSearch query string.
func buildQuery(f store.Filter) string {
	var parts []string

	if f.SourceSystem != "" {
		parts = append(parts, "@source_system:{"+escapeTag(f.SourceSystem)+"}")
	}
	if len(f.RiskLevels) > 0 {
		levels := make([]string, len(f.RiskLevels))
		for i, rl := range f.RiskLevels {
			levels[i] = escapeTag(string(rl))
		}
		parts = append(parts, "@risk_level:{"+strings.Join(levels, "|")+"}")
	}
	if f.From != nil || f.To != nil {
		lo, hi := "-inf", "+inf"
		if f.From != nil {
			lo = strconv.FormatInt(f.From.UnixMicro(), 10)
		}
		if f.To != nil {
			hi = strconv.FormatInt(f.To.UnixMicro(), 10)
		}
		parts = append(parts, "@timestamp_us:["+lo+" "+hi+"]")
	}
	if f.Text != "" {
		if text := escapeText(f.Text); text != "" {
			parts = append(parts, "@body:("+text+")")
		}
	}

	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func decodeDoc(fields map[string]string) (*models.DecisionTrace, error) {
	var trace models.DecisionTrace
	if err := json.Unmarshal([]byte(fields["doc"]), &trace); err != nil {
		return nil, err
	}
	// The notes field is updated independently of the document and wins.
	if raw, ok := fields["notes"]; ok && raw != "" {
		var notes []models.ReviewNote
		if err := json.Unmarshal([]byte(raw), &notes); err != nil {
			return nil, err
		}
		trace.ReviewNotes = notes
	}
	if trace.ReviewNotes == nil {
		trace.ReviewNotes = []models.ReviewNote{}
	}
	return &trace, nil
}

func fieldInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected count type %T", v)
	}
}

// tagSpecials are the characters RediSearch treats as syntax inside TAG
// queries.
const tagSpecials = `,.<>{}[]"':;!@#$%^&*()-+=~|/\ `

func escapeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(tagSpecials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// escapeText reduces free text to escaped tokens joined by AND semantics.
func escapeText(s string) string {
	tokens := strings.Fields(s)
	escaped := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if e := escapeTag(tok); e != "" {
			escaped = append(escaped, e)
		}
	}
	return strings.Join(escaped, " ")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: search index %s: %v", sentinel.ErrUnavailable, op, err)
}
