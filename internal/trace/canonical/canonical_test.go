package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritrace/internal/trace/models"
	"veritrace/pkg/docval"
)

func fixtureTrace(t *testing.T) *models.DecisionTrace {
	t.Helper()

	input, err := docval.FromJSON([]byte(`{"transaction_id":"TXN123","amount":5000,"merchant":"TechStore"}`))
	require.NoError(t, err)
	output, err := docval.FromJSON([]byte(`{"decision":"APPROVED","flags":["high_value"]}`))
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	return &models.DecisionTrace{
		ID:           "DEC_20250601_1748781045123456_a1b2c3d4",
		SourceSystem: "fraud_detection",
		InputPayload: input,
		RulesTriggered: []models.RuleTriggered{
			{RuleID: "R001", RuleName: "high_value_check", Condition: "amount > 1000", Result: true},
		},
		Output:     output,
		Confidence: 0.95,
		RiskLevel:  models.RiskMedium,
		Timestamp:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   docval.EmptyMap(),
	}
}

func TestDigestIsStable(t *testing.T) {
	tr := fixtureTrace(t)

	d1, err := Digest(tr)
	require.NoError(t, err)
	d2, err := Digest(tr)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64, "hex encoded SHA-256")
}

func TestDigestIgnoresPayloadKeyOrder(t *testing.T) {
	a := fixtureTrace(t)
	b := fixtureTrace(t)

	reordered, err := docval.FromJSON([]byte(`{"merchant":"TechStore","transaction_id":"TXN123","amount":5000}`))
	require.NoError(t, err)
	b.InputPayload = reordered

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db, "object key order must not affect the digest")
}

func TestDigestExcludesMutableFields(t *testing.T) {
	a := fixtureTrace(t)
	b := fixtureTrace(t)
	b.ReviewNotes = []models.ReviewNote{
		{Reviewer: "alice", Note: "looks fine", Tags: []string{"ok"}, Timestamp: time.Now()},
	}
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db, "review_notes and updated_at must not participate in the digest")
}

func TestDigestBindsID(t *testing.T) {
	a := fixtureTrace(t)
	b := fixtureTrace(t)
	b.ID = "DEC_20250601_1748781045123999_deadbeef"

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db, "identical fields under different ids must digest differently")
}

func TestDigestSensitiveToImmutableFields(t *testing.T) {
	base := fixtureTrace(t)
	baseDigest, err := Digest(base)
	require.NoError(t, err)

	mutations := map[string]func(*models.DecisionTrace){
		"confidence": func(tr *models.DecisionTrace) { tr.Confidence = 0.96 },
		"risk_level": func(tr *models.DecisionTrace) { tr.RiskLevel = models.RiskHigh },
		"source":     func(tr *models.DecisionTrace) { tr.SourceSystem = "loan_approval" },
		"rule":       func(tr *models.DecisionTrace) { tr.RulesTriggered[0].Result = false },
		"timestamp":  func(tr *models.DecisionTrace) { tr.Timestamp = tr.Timestamp.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		tr := fixtureTrace(t)
		mutate(tr)
		d, err := Digest(tr)
		require.NoError(t, err, name)
		assert.NotEqual(t, baseDigest, d, "mutating %s must change the digest", name)
	}
}

func TestDigestRejectsUnrepresentableDocument(t *testing.T) {
	tr := fixtureTrace(t)
	dup, err := docval.FromJSON([]byte(`{"k":1,"k":2}`))
	require.NoError(t, err)
	tr.Metadata = dup

	_, err = Digest(tr)
	require.Error(t, err, "documents without a deterministic representation fail at construction")
}
