package condition

import (
	"log/slog"
)

// Comparator is the interface every operator strategy implements.
type Comparator interface {
	// Compare reports whether fact satisfies the operand. An error means the
	// operands have shapes the strategy cannot compare; the Evaluator turns it
	// into a non-match.
	Compare(fact, operand any) (bool, error)
}

// Evaluator dispatches conditions to operator strategies.
// It is stateless after construction and safe for concurrent use.
type Evaluator struct {
	comparators map[Operator]Comparator
	logger      *slog.Logger
}

// NewEvaluator creates an Evaluator with the built-in operators.
// If logger is nil, it defaults to slog.Default().
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		logger: logger,
		comparators: map[Operator]Comparator{
			OpEquals:      equalsComparator{},
			OpGreaterThan: numericComparator{want: 1},
			OpLessThan:    numericComparator{want: -1},
			OpContains:    containsComparator{},
			OpAfter:       timeComparator{want: 1},
			OpBefore:      timeComparator{want: -1},
			OpBetween:     betweenComparator{},
		},
	}
}

// Evaluate reports whether the condition holds for the facts.
// An absent or falsy fact never matches.
func (e *Evaluator) Evaluate(c Condition, facts Facts) bool {
	fact, ok := facts[c.Field]
	if !ok || isFalsy(fact) {
		return false
	}

	cmp, exists := e.comparators[c.Operator]
	if !exists {
		e.logger.Warn("skipping unknown condition operator",
			slog.String("operator", string(c.Operator)),
			slog.String("field", c.Field),
		)
		return false
	}

	match, err := cmp.Compare(fact, c.Value)
	if err != nil {
		// Data-shape problems are expected with loosely typed metadata.
		e.logger.Debug("condition comparison failed",
			slog.String("operator", string(c.Operator)),
			slog.String("field", c.Field),
			slog.String("error", err.Error()),
		)
		return false
	}
	return match
}

// MatchAll evaluates conditions with AND semantics, stopping at the first
// failure. An empty list matches unconditionally. On success it returns the
// conditions in input order.
func (e *Evaluator) MatchAll(conditions []Condition, facts Facts) ([]Condition, bool) {
	for _, c := range conditions {
		if !e.Evaluate(c, facts) {
			return nil, false
		}
	}
	matched := make([]Condition, len(conditions))
	copy(matched, conditions)
	return matched, true
}
