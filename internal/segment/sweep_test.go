package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/store"
)

type recordingReconciler struct {
	mu    sync.Mutex
	seen  []string
	fails map[string]bool
}

func (r *recordingReconciler) ReconcileMember(_ context.Context, userID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, userID)
	if r.fails[userID] {
		return errors.New("boom")
	}
	return nil
}

func seedUsers(st *store.MemoryStore, n int) {
	st.PutProgram(store.Program{ID: programID, MerchantID: merchantID, IsActive: true})
	for i := 0; i < n; i++ {
		st.PutMember(store.Member{UserID: fmt.Sprintf("user-%03d", i), LoyaltyProgramID: programID})
	}
}

func sweepConfig() config.SweepConfig {
	return config.SweepConfig{PageSize: 7, Concurrency: 3, ShardCount: 1}
}

var allUsers = ShardRange{}

func TestShard(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Shard("anyone", 1))
	assert.Equal(t, Shard("user-42", 8), Shard("user-42", 8))
	for i := 0; i < 100; i++ {
		s := Shard(fmt.Sprintf("user-%d", i), 4)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 4)
	}
}

func TestSweeper_Run(t *testing.T) {
	t.Parallel()

	t.Run("Should visit every user across pages", func(t *testing.T) {
		t.Parallel()
		// Arrange
		st := store.NewMemoryStore()
		seedUsers(st, 20)
		rec := &recordingReconciler{}
		sw := NewSweeper(st, st, rec, sweepConfig(), logger.Discard())

		// Act
		stats, err := sw.Run(context.Background(), "", allUsers)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Programs)
		assert.EqualValues(t, 20, stats.Users)
		assert.Len(t, rec.seen, 20)
	})

	t.Run("Should split users across shards without overlap", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		seedUsers(st, 50)
		seen := map[string]int{}
		for idx := 0; idx < 3; idx++ {
			rec := &recordingReconciler{}
			_, err := NewSweeper(st, st, rec, sweepConfig(), logger.Discard()).Run(context.Background(), programID, ShardRange{Index: idx, Count: 3})
			require.NoError(t, err)
			for _, u := range rec.seen {
				seen[u]++
			}
		}

		assert.Len(t, seen, 50)
		for u, n := range seen {
			assert.Equal(t, 1, n, u)
		}
	})

	t.Run("Should keep going when a user fails", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		seedUsers(st, 10)
		rec := &recordingReconciler{fails: map[string]bool{"user-003": true}}

		stats, err := NewSweeper(st, st, rec, sweepConfig(), logger.Discard()).Run(context.Background(), "", allUsers)

		require.NoError(t, err)
		assert.EqualValues(t, 10, stats.Users)
		assert.EqualValues(t, 1, stats.Failed)
	})

	t.Run("Should stop on cancellation", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		seedUsers(st, 10)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewSweeper(st, st, &recordingReconciler{}, sweepConfig(), logger.Discard()).Run(ctx, "", allUsers)

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Should sweep the requested shard regardless of the worker's own", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		seedUsers(st, 40)
		cfg := sweepConfig()
		cfg.ShardCount, cfg.ShardIndex = 2, 0
		rec := &recordingReconciler{}

		_, err := NewSweeper(st, st, rec, cfg, logger.Discard()).Run(context.Background(), programID, ShardRange{Index: 1, Count: 2})

		require.NoError(t, err)
		require.NotEmpty(t, rec.seen)
		for _, u := range rec.seen {
			assert.Equal(t, 1, Shard(u, 2), u)
		}
	})

	t.Run("Should reject a shard index outside the shard count", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		seedUsers(st, 1)

		_, err := NewSweeper(st, st, &recordingReconciler{}, sweepConfig(), logger.Discard()).Run(context.Background(), "", ShardRange{Index: 2, Count: 2})

		assert.Error(t, err)
	})
}
