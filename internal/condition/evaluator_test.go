package condition

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	lastVisit := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		cond  Condition
		facts Facts
		want  bool
	}{
		// --- equals ---
		{
			name:  "Should match equal strings",
			cond:  Condition{Field: "category", Operator: OpEquals, Value: "coffee"},
			facts: Facts{"category": "coffee"},
			want:  true,
		},
		{
			name:  "Should be case sensitive on strings",
			cond:  Condition{Field: "category", Operator: OpEquals, Value: "Coffee"},
			facts: Facts{"category": "coffee"},
			want:  false,
		},
		{
			name:  "Should match numbers across Go numeric types",
			cond:  Condition{Field: "items", Operator: OpEquals, Value: float64(3)},
			facts: Facts{"items": 3},
			want:  true,
		},
		{
			name:  "Should NOT coerce numeric strings into numbers for equality",
			cond:  Condition{Field: "items", Operator: OpEquals, Value: 3},
			facts: Facts{"items": "3"},
			want:  false,
		},

		// --- greaterThan / lessThan ---
		{
			name:  "Should compare numbers with greaterThan",
			cond:  Condition{Field: "amount", Operator: OpGreaterThan, Value: 50},
			facts: Facts{"amount": 75.5},
			want:  true,
		},
		{
			name:  "Should be strict on the boundary for greaterThan",
			cond:  Condition{Field: "amount", Operator: OpGreaterThan, Value: 50},
			facts: Facts{"amount": 50},
			want:  false,
		},
		{
			name:  "Should compare numbers with lessThan",
			cond:  Condition{Field: "amount", Operator: OpLessThan, Value: 50},
			facts: Facts{"amount": json.Number("10")},
			want:  true,
		},
		{
			name:  "Should accept decimal facts",
			cond:  Condition{Field: "amount", Operator: OpGreaterThan, Value: "99.98"},
			facts: Facts{"amount": decimal.RequireFromString("99.99")},
			want:  true,
		},
		{
			name:  "Should fail closed on non-numeric comparands",
			cond:  Condition{Field: "amount", Operator: OpGreaterThan, Value: 10},
			facts: Facts{"amount": "lots"},
			want:  false,
		},

		// --- contains ---
		{
			name:  "Should test membership when the fact is a collection",
			cond:  Condition{Field: "tags", Operator: OpContains, Value: "vip"},
			facts: Facts{"tags": []any{"new", "vip"}},
			want:  true,
		},
		{
			name:  "Should NOT do substring matching inside collection elements",
			cond:  Condition{Field: "tags", Operator: OpContains, Value: "vi"},
			facts: Facts{"tags": []string{"vip"}},
			want:  false,
		},
		{
			name:  "Should do substring matching on scalar facts",
			cond:  Condition{Field: "sku", Operator: OpContains, Value: "LATTE"},
			facts: Facts{"sku": "SKU-LATTE-12"},
			want:  true,
		},
		{
			name:  "Should stringify numbers for substring matching",
			cond:  Condition{Field: "store", Operator: OpContains, Value: 12},
			facts: Facts{"store": 3120},
			want:  true,
		},
		{
			name:  "Should test key presence when the fact is a map",
			cond:  Condition{Field: "attrs", Operator: OpContains, Value: "gift"},
			facts: Facts{"attrs": map[string]any{"gift": true}},
			want:  true,
		},

		// --- date ranges ---
		{
			name:  "Should match after on RFC3339 operands",
			cond:  Condition{Field: "lastActivityAt", Operator: OpAfter, Value: "2024-03-01T00:00:00Z"},
			facts: Facts{"lastActivityAt": lastVisit},
			want:  true,
		},
		{
			name:  "Should match before on date-only operands",
			cond:  Condition{Field: "lastActivityAt", Operator: OpBefore, Value: "2024-03-01"},
			facts: Facts{"lastActivityAt": lastVisit},
			want:  false,
		},
		{
			name:  "Should match an inclusive between range given as a list",
			cond:  Condition{Field: "lastActivityAt", Operator: OpBetween, Value: []any{"2024-03-15T12:00:00Z", "2024-04-01"}},
			facts: Facts{"lastActivityAt": lastVisit},
			want:  true,
		},
		{
			name:  "Should match a between range given as an object",
			cond:  Condition{Field: "lastActivityAt", Operator: OpBetween, Value: map[string]any{"start": "2024-01-01", "end": "2024-02-01"}},
			facts: Facts{"lastActivityAt": lastVisit},
			want:  false,
		},
		{
			name:  "Should fail closed on a malformed range",
			cond:  Condition{Field: "lastActivityAt", Operator: OpBetween, Value: "2024-01-01"},
			facts: Facts{"lastActivityAt": lastVisit},
			want:  false,
		},

		// --- fail closed ---
		{
			name:  "Should return false when the fact is missing",
			cond:  Condition{Field: "category", Operator: OpEquals, Value: "coffee"},
			facts: Facts{},
			want:  false,
		},
		{
			name:  "Should return false when the fact is falsy (zero)",
			cond:  Condition{Field: "amount", Operator: OpLessThan, Value: 10},
			facts: Facts{"amount": 0},
			want:  false,
		},
		{
			name:  "Should return false when the fact is falsy (empty string)",
			cond:  Condition{Field: "sku", Operator: OpContains, Value: ""},
			facts: Facts{"sku": ""},
			want:  false,
		},
		{
			name:  "Should return false when the facts are nil",
			cond:  Condition{Field: "category", Operator: OpEquals, Value: "coffee"},
			facts: nil,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			evaluator := NewEvaluator(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

			// Act
			got := evaluator.Evaluate(tt.cond, tt.facts)

			// Assert
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_UnknownOperator(t *testing.T) {
	t.Parallel()

	// Arrange
	var logBuffer bytes.Buffer
	evaluator := NewEvaluator(slog.New(slog.NewTextHandler(&logBuffer, nil)))

	// Act
	got := evaluator.Evaluate(Condition{Field: "category", Operator: "regex", Value: ".*"}, Facts{"category": "coffee"})

	// Assert
	assert.False(t, got, "unknown operators must evaluate to false")
	assert.Contains(t, logBuffer.String(), "skipping unknown condition operator")
}

func TestEvaluator_MatchAll(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(nil)
	facts := Facts{"category": "coffee", "amount": 12}

	t.Run("Should match unconditionally when there are no conditions", func(t *testing.T) {
		matched, ok := evaluator.MatchAll(nil, facts)

		assert.True(t, ok)
		assert.Empty(t, matched)
	})

	t.Run("Should require every condition (AND) and preserve input order", func(t *testing.T) {
		conds := []Condition{
			{Field: "amount", Operator: OpGreaterThan, Value: 10},
			{Field: "category", Operator: OpEquals, Value: "coffee"},
		}

		matched, ok := evaluator.MatchAll(conds, facts)

		require.True(t, ok)
		assert.Equal(t, conds, matched)
	})

	t.Run("Should fail when any condition fails", func(t *testing.T) {
		conds := []Condition{
			{Field: "category", Operator: OpEquals, Value: "coffee"},
			{Field: "amount", Operator: OpGreaterThan, Value: 100},
		}

		matched, ok := evaluator.MatchAll(conds, facts)

		assert.False(t, ok)
		assert.Nil(t, matched)
	})
}

func TestCondition_JSONShape(t *testing.T) {
	t.Parallel()

	// Arrange: the stored configuration format
	raw := []byte(`{"field":"category","operator":"equals","value":"coffee"}`)

	// Act
	var c Condition
	err := json.Unmarshal(raw, &c)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Condition{Field: "category", Operator: OpEquals, Value: "coffee"}, c)
}
