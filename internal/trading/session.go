// Package trading implements the simulator's core: fund ledger, order
// book, position and holdings ledgers, and the service facade over them.
package trading

import (
	"sync"
	"time"

	"paper-trader/internal/models"
)

const dateKeyLayout = "2006-01-02"

// exchange session times, minutes from midnight in the market timezone.
type sessionWindow struct {
	open  int
	close int
}

var sessionWindows = map[models.Exchange]sessionWindow{
	models.NSE: {9*60 + 15, 15*60 + 30},
	models.BSE: {9*60 + 15, 15*60 + 30},
	models.NFO: {9*60 + 15, 15*60 + 30},
	models.MCX: {9 * 60, 23*60 + 30},
}

// SessionManager answers trading-day and market-hours questions. All
// computations happen in the configured market timezone.
type SessionManager struct {
	location *time.Location

	mu       sync.RWMutex
	holidays map[string]bool
}

// NewSessionManager creates a session manager for the given timezone.
func NewSessionManager(loc *time.Location) *SessionManager {
	if loc == nil {
		loc, _ = time.LoadLocation("Asia/Kolkata")
	}
	return &SessionManager{
		location: loc,
		holidays: make(map[string]bool),
	}
}

// Location returns the market timezone.
func (m *SessionManager) Location() *time.Location { return m.location }

// AddHoliday registers a market holiday.
func (m *SessionManager) AddHoliday(date time.Time) {
	m.mu.Lock()
	m.holidays[date.In(m.location).Format(dateKeyLayout)] = true
	m.mu.Unlock()
}

// IsHoliday reports whether the date is a registered market holiday.
func (m *SessionManager) IsHoliday(date time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holidays[date.In(m.location).Format(dateKeyLayout)]
}

// IsTradingDay reports whether the date is a weekday and not a holiday.
func (m *SessionManager) IsTradingDay(date time.Time) bool {
	d := date.In(m.location)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !m.IsHoliday(d)
}

// IsMarketOpen reports whether the exchange is trading at t.
func (m *SessionManager) IsMarketOpen(exchange models.Exchange, t time.Time) bool {
	if !m.IsTradingDay(t) {
		return false
	}
	w, ok := sessionWindows[exchange]
	if !ok {
		return false
	}
	lt := t.In(m.location)
	minutes := lt.Hour()*60 + lt.Minute()
	return minutes >= w.open && minutes < w.close
}

// AnyMarketOpen reports whether any supported exchange is trading at t.
func (m *SessionManager) AnyMarketOpen(t time.Time) bool {
	for exchange := range sessionWindows {
		if m.IsMarketOpen(exchange, t) {
			return true
		}
	}
	return false
}

// TradingDayStart returns midnight of t's calendar day in the market
// timezone. Rows created before this boundary belong to a prior session.
func (m *SessionManager) TradingDayStart(t time.Time) time.Time {
	lt := t.In(m.location)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, m.location)
}

// NextTradingDay returns the next weekday after t that is not a holiday.
func (m *SessionManager) NextTradingDay(t time.Time) time.Time {
	d := m.TradingDayStart(t).AddDate(0, 0, 1)
	for !m.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PreviousTradingDay returns the last trading day before t.
func (m *SessionManager) PreviousTradingDay(t time.Time) time.Time {
	d := m.TradingDayStart(t).AddDate(0, 0, -1)
	for !m.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
