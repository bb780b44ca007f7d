// Package condition evaluates a single targeting condition (field, operator, value)
// against a flat fact set. It is the leaf of every evaluator in the engine: point
// rules, segment criteria and campaign rules all reduce to conditions.
//
// Evaluation fails closed. A missing or falsy fact, a type mismatch or an unknown
// operator yields false, never an error or a panic.
package condition

// Operator names a comparison strategy.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpContains    Operator = "contains"

	// Date-range operators, used by segment criteria on timestamp facts.
	OpAfter   Operator = "after"
	OpBefore  Operator = "before"
	OpBetween Operator = "between"
)

// Condition is an immutable value object. It mirrors the JSON stored in the
// rule, segment and campaign configuration columns.
type Condition struct {
	// Field is the fact key the condition reads (e.g. "category", "balance").
	Field string `json:"field"`

	// Operator selects the comparison strategy.
	Operator Operator `json:"operator"`

	// Value is the right-hand operand. Its shape depends on the operator:
	// scalars for equals/greaterThan/lessThan/contains/after/before and a
	// two-element list (or {"start","end"} object) for between.
	Value any `json:"value"`
}

// Facts is the left-hand side of an evaluation: transaction metadata for point
// rules, member activity for segment criteria.
type Facts map[string]any
