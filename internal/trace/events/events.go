// Package events emits decision trace lifecycle events to downstream
// consumers (compliance pipelines, alerting). Emission is strictly
// best-effort: the trace store is authoritative, and a lost event never
// fails or rolls back the operation that produced it.
package events

import "time"

// Type identifies a trace lifecycle event.
type Type string

const (
	TraceCreated   Type = "trace_created"
	TraceAnnotated Type = "trace_annotated"
)

// Event is the payload published per lifecycle transition. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	Type         Type      `json:"type"`
	TraceID      string    `json:"trace_id"`
	SourceSystem string    `json:"source_system"`
	RiskLevel    string    `json:"risk_level"`
	Reviewer     string    `json:"reviewer,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id,omitempty"`
}
