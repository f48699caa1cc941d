package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/config"
	"paper-trader/internal/marketdata"
)

// HealthMonitor watches feed freshness while the event engine is live.
// On staleness it starts the polling engine as a fallback, leaving feed
// subscriptions untouched; on recovery it stops the fallback again.
type HealthMonitor struct {
	feed     marketdata.Feed
	fallback *PollingEngine
	settings *config.Store
	logger   zerolog.Logger

	mu             sync.Mutex
	fallbackActive bool
	done           chan struct{}
	cancel         context.CancelFunc
}

// NewHealthMonitor creates the feed freshness monitor.
func NewHealthMonitor(feed marketdata.Feed, fallback *PollingEngine, settings *config.Store, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		feed:     feed,
		fallback: fallback,
		settings: settings,
		logger:   logger.With().Str("component", "feed_health").Logger(),
	}
}

// Start launches the freshness check loop.
func (m *HealthMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(runCtx)
}

// Stop halts the monitor and any fallback it started.
func (m *HealthMonitor) Stop(timeout time.Duration) {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
	}

	m.mu.Lock()
	active := m.fallbackActive
	m.fallbackActive = false
	m.mu.Unlock()
	if active {
		_ = m.fallback.Stop(timeout)
	}
}

// FallbackActive reports whether the polling fallback is running.
func (m *HealthMonitor) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackActive
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		m.check(ctx)
	}
}

func (m *HealthMonitor) check(ctx context.Context) {
	staleAfter := m.settings.GetDuration(config.KeyFeedStaleAfter, time.Second, 30*time.Second)

	// A connected feed that has not ticked yet is idle, not stale; the
	// staleness clock starts with the first tick.
	lastTick := m.feed.LastTickAt()
	stale := !m.feed.IsConnected() ||
		(!lastTick.IsZero() && time.Since(lastTick) > staleAfter)

	m.mu.Lock()
	active := m.fallbackActive
	m.mu.Unlock()

	switch {
	case stale && !active:
		m.logger.Warn().Time("last_tick", lastTick).Msg("feed stale, starting polling fallback")
		if err := m.fallback.Start(ctx); err != nil {
			m.logger.Error().Err(err).Msg("starting polling fallback")
			return
		}
		m.mu.Lock()
		m.fallbackActive = true
		m.mu.Unlock()

	case !stale && active:
		m.logger.Info().Msg("feed fresh again, stopping polling fallback")
		if err := m.fallback.Stop(10 * time.Second); err != nil {
			m.logger.Error().Err(err).Msg("stopping polling fallback")
			return
		}
		m.mu.Lock()
		m.fallbackActive = false
		m.mu.Unlock()
	}
}
