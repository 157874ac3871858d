package postgres

import _ "embed"

// Schema is the decision_traces DDL. Idempotent; the server applies it at
// startup and the integration test harness applies it per suite.
//
//go:embed schema.sql
var Schema string
