// Package models defines the decision trace entity and its closed
// vocabularies. Field names and enumeration values are part of the wire and
// storage contract; renaming any of them requires a migration.
package models

import (
	"time"

	dErrors "veritrace/pkg/domain-errors"
	"veritrace/pkg/docval"
)

// RiskLevel is the closed classification of decision severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AllRiskLevels lists every valid level in severity order.
var AllRiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskLevel validates a wire value against the enumeration.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(s), nil
	}
	return "", dErrors.Newf(dErrors.CodeValidation, "risk_level must be one of low, medium, high, critical; got %q", s)
}

// MaxNoteLength bounds a single review note, in characters.
const MaxNoteLength = 2000

// RuleTriggered records one rule evaluation within a decision. Order within
// a trace is significant and preserved.
type RuleTriggered struct {
	RuleID    string       `json:"rule_id"`
	RuleName  string       `json:"rule_name"`
	Condition string       `json:"condition"`
	Result    bool         `json:"result"`
	Metadata  docval.Value `json:"metadata"`
}

// ReviewNote is one append-only reviewer annotation. Notes are never edited
// or removed; sequence order is insertion order.
type ReviewNote struct {
	Reviewer  string    `json:"reviewer"`
	Note      string    `json:"note"`
	Tags      []string  `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionTrace is one audit record of a single automated decision. All
// fields except ReviewNotes and UpdatedAt are immutable after creation and
// bound into the digest.
type DecisionTrace struct {
	ID             string          `json:"id"`
	SourceSystem   string          `json:"source_system"`
	InputPayload   docval.Value    `json:"input_payload"`
	RulesTriggered []RuleTriggered `json:"rules_triggered"`
	Output         docval.Value    `json:"output"`
	Confidence     float64         `json:"confidence"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	Timestamp      time.Time       `json:"timestamp"`
	Digest         string          `json:"digest"`
	ReviewNotes    []ReviewNote    `json:"review_notes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Metadata       docval.Value    `json:"metadata"`
}

// SearchText returns the free-text content of a trace: input and output
// documents plus rule names. This is what the search index covers.
func (t *DecisionTrace) SearchText() string {
	out := t.InputPayload.Text()
	if s := t.Output.Text(); s != "" {
		if out != "" {
			out += " "
		}
		out += s
	}
	for _, rule := range t.RulesTriggered {
		if rule.RuleName != "" {
			if out != "" {
				out += " "
			}
			out += rule.RuleName
		}
	}
	return out
}
