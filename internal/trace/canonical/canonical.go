// Package canonical computes the tamper-evidence digest of a decision trace.
//
// The digest covers exactly the immutable field set: id, source_system,
// input_payload, rules_triggered, output, confidence, risk_level, timestamp,
// created_at, and metadata. ReviewNotes, UpdatedAt, and the digest itself are
// excluded so that annotating a trace never changes whether it verifies.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"veritrace/internal/trace/models"
	"veritrace/pkg/docval"
)

// Bytes returns the canonical byte sequence of the trace's immutable fields.
// Deterministic: map keys are sorted, numbers and timestamps have a single
// rendering, and document member order inside lists is preserved.
func Bytes(t *models.DecisionTrace) ([]byte, error) {
	doc := docval.MapValue(
		docval.Member{Key: "id", Value: docval.StringValue(t.ID)},
		docval.Member{Key: "source_system", Value: docval.StringValue(t.SourceSystem)},
		docval.Member{Key: "input_payload", Value: t.InputPayload},
		docval.Member{Key: "rules_triggered", Value: rulesValue(t.RulesTriggered)},
		docval.Member{Key: "output", Value: t.Output},
		docval.Member{Key: "confidence", Value: docval.NumberFloat(t.Confidence)},
		docval.Member{Key: "risk_level", Value: docval.StringValue(string(t.RiskLevel))},
		docval.Member{Key: "timestamp", Value: timeValue(t.Timestamp)},
		docval.Member{Key: "created_at", Value: timeValue(t.CreatedAt)},
		docval.Member{Key: "metadata", Value: t.Metadata},
	)

	out, err := doc.AppendCanonical(nil)
	if err != nil {
		return nil, fmt.Errorf("canonicalize trace %s: %w", t.ID, err)
	}
	return out, nil
}

// Digest returns the SHA-256 hex digest over the canonical bytes.
func Digest(t *models.DecisionTrace) (string, error) {
	b, err := Bytes(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func rulesValue(rules []models.RuleTriggered) docval.Value {
	items := make([]docval.Value, 0, len(rules))
	for _, r := range rules {
		items = append(items, docval.MapValue(
			docval.Member{Key: "rule_id", Value: docval.StringValue(r.RuleID)},
			docval.Member{Key: "rule_name", Value: docval.StringValue(r.RuleName)},
			docval.Member{Key: "condition", Value: docval.StringValue(r.Condition)},
			docval.Member{Key: "result", Value: docval.BoolValue(r.Result)},
			docval.Member{Key: "metadata", Value: r.Metadata},
		))
	}
	return docval.ListValue(items...)
}

// timeValue renders a timestamp as RFC3339Nano in UTC. Trace timestamps are
// truncated to microseconds at creation so this rendering survives storage
// round trips.
func timeValue(t time.Time) docval.Value {
	return docval.StringValue(t.UTC().Format(time.RFC3339Nano))
}
