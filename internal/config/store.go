package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known setting keys. Leverage keys follow
// "leverage.<EXCHANGE>.<PRODUCT>.<CLASS>".
const (
	KeyStartingCapital  = "capital.starting"
	KeySquareOffPrefix  = "squareoff." // squareoff.NSE etc., "HH:MM"
	KeyLeveragePrefix   = "leverage."
	KeyT1SettlementTime = "settlement.t1.time"
	KeyWeeklyResetDay   = "reset.weekly.day" // time.Weekday name, or "off"
	KeyWeeklyResetTime  = "reset.weekly.time"
	KeyPollInterval     = "engine.poll_interval" // seconds
	KeyBatchPause       = "engine.batch_pause"   // milliseconds
	KeyFeedStaleAfter   = "feed.stale_after"     // seconds
	KeyMTMInterval      = "mtm.interval"         // seconds
	KeySnapshotTime     = "snapshot.daily.time"
)

// Backend is the persistence surface the settings store needs. The SQLite
// store implements it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value, description string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// Store is the typed key/value settings store. Values are persisted via
// the backend and cached in memory; Reload refreshes the cache so edits
// take effect without a process restart.
type Store struct {
	backend Backend
	mu      sync.RWMutex
	cache   map[string]string
}

type defaultEntry struct {
	value       string
	description string
}

var defaults = map[string]defaultEntry{
	KeyStartingCapital:  {"100000000", "starting virtual capital in paise (10 lakh)"},
	"squareoff.NSE":     {"15:15", "intraday square-off time for NSE equity"},
	"squareoff.BSE":     {"15:15", "intraday square-off time for BSE equity"},
	"squareoff.NFO":     {"15:25", "intraday square-off time for NSE F&O"},
	"squareoff.MCX":     {"23:30", "intraday square-off time for MCX"},
	"leverage.NSE.MIS.EQ":   {"5", "intraday equity leverage"},
	"leverage.BSE.MIS.EQ":   {"5", "intraday equity leverage"},
	"leverage.NSE.CNC.EQ":   {"1", "delivery requires full value"},
	"leverage.BSE.CNC.EQ":   {"1", "delivery requires full value"},
	"leverage.NFO.MIS.FUT":  {"7", "intraday futures leverage"},
	"leverage.NFO.NRML.FUT": {"7", "carry-forward futures leverage"},
	"leverage.NFO.MIS.OPT":  {"7", "intraday options leverage"},
	"leverage.NFO.NRML.OPT": {"7", "carry-forward options leverage"},
	"leverage.MCX.MIS.FUT":  {"6", "intraday commodity leverage"},
	"leverage.MCX.NRML.FUT": {"6", "carry-forward commodity leverage"},
	KeyT1SettlementTime: {"18:30", "nightly T+1 settlement run time"},
	KeyWeeklyResetDay:   {"off", "weekly capital reset day, or off"},
	KeyWeeklyResetTime:  {"08:00", "weekly capital reset time"},
	KeyPollInterval:     {"5", "polling engine scan interval, seconds"},
	KeyBatchPause:       {"200", "pause between quote batches, milliseconds"},
	KeyFeedStaleAfter:   {"30", "feed considered stale after this many seconds"},
	KeyMTMInterval:      {"10", "mark-to-market refresh interval, seconds"},
	KeySnapshotTime:     {"18:45", "daily P&L snapshot run time"},
}

// NewStore creates the settings store, seeding missing defaults into the
// backend before the first read.
func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}

	existing, err := backend.AllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	for key, def := range defaults {
		if _, ok := existing[key]; ok {
			continue
		}
		if err := backend.PutSetting(ctx, key, def.value, def.description); err != nil {
			return nil, fmt.Errorf("seeding setting %s: %w", key, err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload refreshes the in-memory cache from the backend.
func (s *Store) Reload(ctx context.Context) error {
	all, err := s.backend.AllSettings(ctx)
	if err != nil {
		return fmt.Errorf("reloading settings: %w", err)
	}
	s.mu.Lock()
	s.cache = all
	s.mu.Unlock()
	return nil
}

// Set persists a setting and updates the cache.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.backend.PutSetting(ctx, key, value, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// GetString returns the setting value, or def when unset.
func (s *Store) GetString(key, def string) string {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || v == "" {
		return def
	}
	return v
}

// GetInt64 returns the setting parsed as int64, or def on absence or
// parse failure.
func (s *Store) GetInt64(key string, def int64) int64 {
	v := s.GetString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the setting parsed as bool, or def.
func (s *Store) GetBool(key string, def bool) bool {
	v := s.GetString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetDuration returns a duration stored as an integer count of unit.
func (s *Store) GetDuration(key string, unit time.Duration, def time.Duration) time.Duration {
	v := s.GetInt64(key, -1)
	if v < 0 {
		return def
	}
	return time.Duration(v) * unit
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns minutes from midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// At anchors the clock on the date of t, in t's location.
func (c Clock) At(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid clock %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid clock %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// GetClock returns the setting parsed as a time of day, or def.
func (s *Store) GetClock(key string, def Clock) Clock {
	v := s.GetString(key, "")
	if v == "" {
		return def
	}
	c, err := ParseClock(v)
	if err != nil {
		return def
	}
	return c
}

// SquareOffTime returns the square-off time for an exchange, or ok=false
// when none is configured.
func (s *Store) SquareOffTime(exchange string) (Clock, bool) {
	v := s.GetString(KeySquareOffPrefix+exchange, "")
	if v == "" {
		return Clock{}, false
	}
	c, err := ParseClock(v)
	if err != nil {
		return Clock{}, false
	}
	return c, true
}

// Leverage returns the margin leverage for (exchange, product, class).
// Unknown combinations fall back to 1 (full value).
func (s *Store) Leverage(exchange, product, class string) int64 {
	lv := s.GetInt64(KeyLeveragePrefix+exchange+"."+product+"."+class, 1)
	if lv < 1 {
		return 1
	}
	return lv
}

// WeeklyReset returns the configured weekly reset day and time;
// enabled is false when the day is "off" or unparseable.
func (s *Store) WeeklyReset() (day time.Weekday, at Clock, enabled bool) {
	name := strings.ToLower(s.GetString(KeyWeeklyResetDay, "off"))
	if name == "off" || name == "" {
		return 0, Clock{}, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d, s.GetClock(KeyWeeklyResetTime, Clock{Hour: 8}), true
		}
	}
	return 0, Clock{}, false
}
