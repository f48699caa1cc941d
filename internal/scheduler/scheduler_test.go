package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trader/internal/config"
	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

func newTestScheduler(t *testing.T, build func(ctx context.Context) ([]*Job, error)) (*Scheduler, store.DataStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, time.UTC, build, zerolog.Nop()), st
}

func TestReloadPersistsFireTimes(t *testing.T) {
	ctx := context.Background()
	fire := time.Now().Add(2 * time.Hour).Truncate(time.Second).UTC()

	build := func(ctx context.Context) ([]*Job, error) {
		return []*Job{{
			ID:   "test.job",
			Next: func(after time.Time) time.Time { return fire },
			Run:  func(ctx context.Context, _ time.Time) error { return nil },
		}}, nil
	}

	sched, st := newTestScheduler(t, build)
	require.NoError(t, sched.Reload(ctx))

	persisted, ok, err := st.GetNextFire(ctx, "test.job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, fire, persisted, time.Second)

	status := sched.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "test.job", status[0].ID)
	assert.WithinDuration(t, fire, status[0].NextFire, time.Second)

	// A fresh scheduler over the same store adopts the persisted time
	// instead of recomputing, so a restart neither double-fires nor skips.
	later := fire.Add(24 * time.Hour)
	rebuilt := New(st, time.UTC, func(ctx context.Context) ([]*Job, error) {
		return []*Job{{
			ID:   "test.job",
			Next: func(after time.Time) time.Time { return later },
			Run:  func(ctx context.Context, _ time.Time) error { return nil },
		}}, nil
	}, zerolog.Nop())
	require.NoError(t, rebuilt.Reload(ctx))

	status = rebuilt.Status()
	require.Len(t, status, 1)
	assert.WithinDuration(t, fire, status[0].NextFire, time.Second)
}

func TestTickRunsDueJobsWithinGrace(t *testing.T) {
	ctx := context.Background()
	var runs atomic.Int64

	build := func(ctx context.Context) ([]*Job, error) {
		return []*Job{{
			ID:   "test.job",
			Next: func(after time.Time) time.Time { return after.Add(time.Hour) },
			Run: func(ctx context.Context, _ time.Time) error {
				runs.Add(1)
				return nil
			},
		}}, nil
	}

	sched, st := newTestScheduler(t, build)
	require.NoError(t, sched.Reload(ctx))

	now := time.Now().UTC()

	// Not yet due.
	sched.tick(ctx, now)
	assert.Equal(t, int64(0), runs.Load())

	// Five minutes late: inside the misfire grace, still runs.
	sched.mu.Lock()
	sched.nextFire["test.job"] = now.Add(-5 * time.Minute)
	sched.mu.Unlock()
	sched.tick(ctx, now)
	assert.Equal(t, int64(1), runs.Load())

	// The schedule advanced and was persisted.
	persisted, ok, err := st.GetNextFire(ctx, "test.job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, persisted.After(now))

	// Thirty minutes late: beyond grace, deferred to catch-up but the
	// schedule still advances so it cannot wedge.
	sched.mu.Lock()
	sched.nextFire["test.job"] = now.Add(-30 * time.Minute)
	sched.mu.Unlock()
	sched.tick(ctx, now)
	assert.Equal(t, int64(1), runs.Load())

	status := sched.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].NextFire.After(now))
}

func TestNextBuilders(t *testing.T) {
	session := trading.NewSessionManager(time.UTC)
	clock := config.Clock{Hour: 15, Minute: 15}

	t.Run("dailyAt skips weekends", func(t *testing.T) {
		next := dailyAt(session, clock)
		// Friday after the cutoff rolls to Monday.
		friday := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)
		got := next(friday)
		assert.Equal(t, time.Monday, got.Weekday())
		assert.Equal(t, 15, got.Hour())
		assert.Equal(t, 15, got.Minute())
	})

	t.Run("dailyAt fires later the same day", func(t *testing.T) {
		next := dailyAt(session, clock)
		thursdayMorning := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
		got := next(thursdayMorning)
		assert.Equal(t, thursdayMorning.Day(), got.Day())
		assert.Equal(t, 15, got.Hour())
	})

	t.Run("dailyAt skips holidays", func(t *testing.T) {
		s := trading.NewSessionManager(time.UTC)
		s.AddHoliday(time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC))
		next := dailyAt(s, clock)
		thursdayEvening := time.Date(2026, 8, 27, 20, 0, 0, 0, time.UTC)
		got := next(thursdayEvening)
		// Friday is a holiday, Saturday/Sunday close the market anyway.
		assert.Equal(t, time.Monday, got.Weekday())
	})

	t.Run("weeklyAt lands on the configured weekday", func(t *testing.T) {
		next := weeklyAt(time.UTC, time.Sunday, config.Clock{Hour: 8})
		wednesday := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
		got := next(wednesday)
		assert.Equal(t, time.Sunday, got.Weekday())
		assert.Equal(t, 8, got.Hour())
		assert.True(t, got.After(wednesday))
	})

	t.Run("every advances by the interval", func(t *testing.T) {
		next := every(time.Minute)
		now := time.Now()
		assert.Equal(t, now.Add(time.Minute), next(now))
	})
}
