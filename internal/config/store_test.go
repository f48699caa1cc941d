package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trader/internal/store"
)

func newSettings(t *testing.T) (*Store, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s, err := NewStore(context.Background(), st)
	require.NoError(t, err)
	return s, st
}

func TestNewStoreSeedsDefaults(t *testing.T) {
	s, st := newSettings(t)

	assert.Equal(t, int64(100000000), s.GetInt64(KeyStartingCapital, 0))

	// Seeded values are persisted, not just cached.
	v, ok, err := st.GetSetting(context.Background(), KeyStartingCapital)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "100000000", v)

	// A value already in the backend survives seeding.
	require.NoError(t, st.PutSetting(context.Background(), KeyStartingCapital, "5000000", "custom"))
	s2, err := NewStore(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, int64(5000000), s2.GetInt64(KeyStartingCapital, 0))
}

func TestTypedGetters(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()

	assert.Equal(t, "fallback", s.GetString("no.such.key", "fallback"))
	assert.Equal(t, int64(5), s.GetInt64(KeyPollInterval, 0))
	assert.Equal(t, 5*time.Second, s.GetDuration(KeyPollInterval, time.Second, 0))
	assert.Equal(t, time.Minute, s.GetDuration("no.such.key", time.Second, time.Minute))

	require.NoError(t, s.Set(ctx, "flag.test", "true"))
	assert.True(t, s.GetBool("flag.test", false))
	require.NoError(t, s.Set(ctx, "flag.test", "garbage"))
	assert.False(t, s.GetBool("flag.test", false), "unparseable falls back")

	require.NoError(t, s.Set(ctx, KeyPollInterval, "not-a-number"))
	assert.Equal(t, int64(9), s.GetInt64(KeyPollInterval, 9))
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("15:15")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 15, Minute: 15}, c)
	assert.Equal(t, 15*60+15, c.Minutes())
	assert.Equal(t, "15:15", c.String())

	anchor := time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)
	at := c.At(anchor)
	assert.Equal(t, time.Date(2026, 8, 28, 15, 15, 0, 0, time.UTC), at)

	for _, bad := range []string{"", "15", "25:00", "15:60", "aa:bb", "15:15:15x"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestSquareOffTime(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()

	c, ok := s.SquareOffTime("NSE")
	require.True(t, ok)
	assert.Equal(t, Clock{Hour: 15, Minute: 15}, c)

	c, ok = s.SquareOffTime("MCX")
	require.True(t, ok)
	assert.Equal(t, Clock{Hour: 23, Minute: 30}, c)

	_, ok = s.SquareOffTime("NYSE")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeySquareOffPrefix+"NSE", "not a clock"))
	_, ok = s.SquareOffTime("NSE")
	assert.False(t, ok)
}

func TestLeverage(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()

	assert.Equal(t, int64(5), s.Leverage("NSE", "MIS", "EQ"))
	assert.Equal(t, int64(1), s.Leverage("NSE", "CNC", "EQ"))
	assert.Equal(t, int64(7), s.Leverage("NFO", "NRML", "FUT"))
	assert.Equal(t, int64(1), s.Leverage("XXX", "MIS", "EQ"), "unknown combination is unleveraged")

	// Values below 1 clamp to 1.
	require.NoError(t, s.Set(ctx, KeyLeveragePrefix+"NSE.MIS.EQ", "0"))
	assert.Equal(t, int64(1), s.Leverage("NSE", "MIS", "EQ"))
}

func TestWeeklyReset(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()

	_, _, enabled := s.WeeklyReset()
	assert.False(t, enabled, "defaults to off")

	require.NoError(t, s.Set(ctx, KeyWeeklyResetDay, "Sunday"))
	day, at, enabled := s.WeeklyReset()
	require.True(t, enabled)
	assert.Equal(t, time.Sunday, day)
	assert.Equal(t, Clock{Hour: 8, Minute: 0}, at)

	require.NoError(t, s.Set(ctx, KeyWeeklyResetDay, "someday"))
	_, _, enabled = s.WeeklyReset()
	assert.False(t, enabled)
}

func TestReloadPicksUpBackendEdits(t *testing.T) {
	s, st := newSettings(t)
	ctx := context.Background()

	// Edit behind the cache's back, e.g. via the sqlite CLI.
	require.NoError(t, st.PutSetting(ctx, KeyPollInterval, "30", ""))
	assert.Equal(t, int64(5), s.GetInt64(KeyPollInterval, 0), "cache still holds the old value")

	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, int64(30), s.GetInt64(KeyPollInterval, 0))
}
