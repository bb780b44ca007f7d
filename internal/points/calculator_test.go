package points

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/condition"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/store"
)

const (
	programID  = "prog-1"
	merchantID = "merch-1"
)

func newFixture(t *testing.T, rules ...store.Rule) (*Calculator, *store.MemoryStore, *notify.Recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutProgram(store.Program{ID: programID, MerchantID: merchantID, Name: "Coffee Club", IsActive: true})
	for _, r := range rules {
		r.LoyaltyProgramID = programID
		r.IsActive = true
		st.PutRule(r)
	}
	rec := &notify.Recorder{}
	calc := NewCalculator(st, st, notify.NewEmitter(rec, logger.Discard()), logger.Discard())
	return calc, st, rec
}

func coffeeRule() store.Rule {
	return store.Rule{
		ID:     "r-coffee",
		Name:   "Coffee bonus",
		Points: 10,
		Conditions: []condition.Condition{
			{Field: "category", Operator: condition.OpEquals, Value: "coffee"},
		},
	}
}

func txContext(metadata map[string]any) TransactionContext {
	return TransactionContext{
		TransactionAmount: decimal.RequireFromString("12.50"),
		MerchantID:        merchantID,
		UserID:            "user-1",
		LoyaltyProgramID:  programID,
		Metadata:          metadata,
	}
}

func TestCalculator_CalculatePoints(t *testing.T) {
	t.Parallel()

	bigSpender := store.Rule{
		ID:     "r-big",
		Name:   "Big spender",
		Points: 25,
		Conditions: []condition.Condition{
			{Field: AmountFact, Operator: condition.OpGreaterThan, Value: 10},
			{Field: "channel", Operator: condition.OpEquals, Value: "app"},
		},
	}
	always := store.Rule{ID: "r-always", Name: "Visit", Points: 1}

	tests := []struct {
		name      string
		metadata  map[string]any
		wantTotal int
		wantRules []string
	}{
		{
			name:      "Should award coffee rule when category matches",
			metadata:  map[string]any{"category": "coffee"},
			wantTotal: 11,
			wantRules: []string{"r-coffee", "r-always"},
		},
		{
			name:      "Should require every condition of a rule",
			metadata:  map[string]any{"category": "tea", "channel": "web"},
			wantTotal: 1,
			wantRules: []string{"r-always"},
		},
		{
			name:      "Should expose the transaction amount as a fact",
			metadata:  map[string]any{"category": "coffee", "channel": "app"},
			wantTotal: 36,
			wantRules: []string{"r-coffee", "r-big", "r-always"},
		},
		{
			name:      "Should let metadata override the amount fact",
			metadata:  map[string]any{"channel": "app", AmountFact: 3},
			wantTotal: 1,
			wantRules: []string{"r-always"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Arrange
			calc, _, _ := newFixture(t, coffeeRule(), bigSpender, always)

			// Act
			res, err := calc.CalculatePoints(context.Background(), txContext(tt.metadata))

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, res.TotalPoints)
			var ids []string
			sum := 0
			for _, m := range res.MatchedRules {
				ids = append(ids, m.RuleID)
				sum += m.Points
			}
			assert.Equal(t, tt.wantRules, ids)
			assert.Equal(t, res.TotalPoints, sum)
		})
	}
}

func TestCalculator_CalculatePoints_CoffeeScenario(t *testing.T) {
	t.Parallel()

	calc, _, _ := newFixture(t, coffeeRule())

	res, err := calc.CalculatePoints(context.Background(), txContext(map[string]any{"category": "coffee"}))

	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalPoints)
	require.Len(t, res.MatchedRules, 1)
	assert.Equal(t, "Coffee bonus", res.MatchedRules[0].RuleName)
	assert.Len(t, res.MatchedRules[0].MatchedConditions, 1)
}

func TestCalculator_CalculatePoints_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := coffeeRule()
	b := store.Rule{ID: "r-b", Name: "Any", Points: 3}
	c := store.Rule{ID: "r-c", Name: "Never", Points: 100, Conditions: []condition.Condition{
		{Field: "missing", Operator: condition.OpEquals, Value: "x"},
	}}
	meta := map[string]any{"category": "coffee"}

	forward, _, _ := newFixture(t, a, b, c)
	backward, _, _ := newFixture(t, c, b, a)

	r1, err := forward.CalculatePoints(context.Background(), txContext(meta))
	require.NoError(t, err)
	r2, err := backward.CalculatePoints(context.Background(), txContext(meta))
	require.NoError(t, err)

	assert.Equal(t, 13, r1.TotalPoints)
	assert.Equal(t, r1.TotalPoints, r2.TotalPoints)
}

func TestCalculator_Award(t *testing.T) {
	t.Parallel()

	t.Run("Should apply points once across replays", func(t *testing.T) {
		t.Parallel()
		// Arrange
		calc, st, rec := newFixture(t, coffeeRule())
		ctx := context.Background()
		tc := txContext(map[string]any{"category": "coffee"})

		// Act
		first, applied1, err1 := calc.Award(ctx, "tx-1", tc)
		second, applied2, err2 := calc.Award(ctx, "tx-1", tc)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.True(t, applied1)
		assert.False(t, applied2)
		assert.Equal(t, first.TotalPoints, second.TotalPoints)

		balance, err := st.GetBalance(ctx, "user-1", merchantID)
		require.NoError(t, err)
		assert.Equal(t, 10, balance)

		member, err := st.GetMember(ctx, "user-1", programID)
		require.NoError(t, err)
		assert.Equal(t, 10, member.Points)

		assert.Len(t, st.Transactions("user-1"), 1)
		assert.Len(t, rec.OfType(notify.PointsEarned), 1)

		record, err := st.GetCalculation(ctx, "tx-1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, record.Status)
	})

	t.Run("Should apply points once under concurrent delivery", func(t *testing.T) {
		t.Parallel()
		calc, st, rec := newFixture(t, coffeeRule())
		ctx := context.Background()
		tc := txContext(map[string]any{"category": "coffee"})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := calc.Award(ctx, "tx-concurrent", tc)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		balance, err := st.GetBalance(ctx, "user-1", merchantID)
		require.NoError(t, err)
		assert.Equal(t, 10, balance)
		assert.Len(t, rec.OfType(notify.PointsEarned), 1)
	})

	t.Run("Should complete zero point calculations without ledger writes", func(t *testing.T) {
		t.Parallel()
		calc, st, rec := newFixture(t, coffeeRule())
		ctx := context.Background()

		res, applied, err := calc.Award(ctx, "tx-tea", txContext(map[string]any{"category": "tea"}))

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Zero(t, res.TotalPoints)
		assert.Empty(t, st.Transactions("user-1"))
		assert.Empty(t, rec.Events())

		record, err := st.GetCalculation(ctx, "tx-tea")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, record.Status)
	})
}

func TestCalculator_MarkFailed(t *testing.T) {
	t.Parallel()

	calc, st, _ := newFixture(t, coffeeRule())
	ctx := context.Background()
	_, err := st.BeginCalculation(ctx, &store.CalculationRecord{
		EventID: "tx-9", UserID: "user-1", MerchantID: merchantID, LoyaltyProgramID: programID,
	})
	require.NoError(t, err)

	require.NoError(t, calc.MarkFailed(ctx, "tx-9", errors.New("connection refused")))

	record, err := st.GetCalculation(ctx, "tx-9")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, record.Status)
	assert.Equal(t, "connection refused", record.Error)
}

func TestNewCalculator_PanicsOnNilDependencies(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	em := notify.NewEmitter(&notify.Recorder{}, nil)

	assert.Panics(t, func() { NewCalculator(nil, st, em, nil) })
	assert.Panics(t, func() { NewCalculator(st, nil, em, nil) })
	assert.Panics(t, func() { NewCalculator(st, st, nil, nil) })
}
