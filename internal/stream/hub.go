// Package stream provides fan-out distribution of feed ticks to
// multiple consumers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/marketdata"
	"paper-trader/internal/models"
)

// HubConfig holds configuration for the tick hub.
type HubConfig struct {
	// BufferSize is the size of the internal tick channel buffer.
	BufferSize int
	// DropLogThreshold is the number of consecutive drops before logging.
	DropLogThreshold uint64
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:       1000,
		DropLogThreshold: 100,
	}
}

// Hub wraps a Feed and fans each tick out to every registered handler.
// A bare Feed supports exactly one OnTick handler; the hub lets the
// matching engine and the quote cache both consume the same feed.
// Handlers run on the hub's dispatch goroutine and must not block.
type Hub struct {
	inner  marketdata.Feed
	config HubConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers []func(models.Tick)
	started  bool

	tickCh  chan models.Tick
	done    chan struct{}
	dropped uint64
}

// NewHub creates a hub over the inner feed.
func NewHub(inner marketdata.Feed, logger zerolog.Logger) *Hub {
	return NewHubWithConfig(inner, DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(inner marketdata.Feed, config HubConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		inner:  inner,
		config: config,
		logger: logger.With().Str("component", "tick_hub").Logger(),
		tickCh: make(chan models.Tick, config.BufferSize),
		done:   make(chan struct{}),
	}
}

// OnTick registers a handler. Unlike the underlying feed, every
// registered handler receives every tick.
func (h *Hub) OnTick(fn func(models.Tick)) {
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

// Connect starts the dispatch loop and connects the inner feed.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.started = true
		h.inner.OnTick(h.publish)
		go h.dispatchLoop()
	}
	h.mu.Unlock()

	return h.inner.Connect(ctx)
}

// publish queues a tick, dropping it when the buffer is full. A full
// buffer means consumers are behind; stale ticks are worthless anyway.
func (h *Hub) publish(tick models.Tick) {
	select {
	case h.tickCh <- tick:
	default:
		h.mu.Lock()
		h.dropped++
		dropped := h.dropped
		h.mu.Unlock()
		if dropped%h.config.DropLogThreshold == 0 {
			h.logger.Warn().Uint64("dropped", dropped).Msg("tick buffer full, dropping")
		}
	}
}

func (h *Hub) dispatchLoop() {
	for {
		select {
		case <-h.done:
			return
		case tick := <-h.tickCh:
			h.mu.RLock()
			handlers := h.handlers
			h.mu.RUnlock()
			for _, fn := range handlers {
				fn(tick)
			}
		}
	}
}

// Dropped returns the number of ticks discarded due to backpressure.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close stops dispatch and closes the inner feed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.started {
		h.started = false
		close(h.done)
	}
	h.mu.Unlock()
	return h.inner.Close()
}

// Subscribe delegates to the inner feed.
func (h *Hub) Subscribe(keys []marketdata.Key) error { return h.inner.Subscribe(keys) }

// Unsubscribe delegates to the inner feed.
func (h *Hub) Unsubscribe(keys []marketdata.Key) error { return h.inner.Unsubscribe(keys) }

// IsConnected delegates to the inner feed.
func (h *Hub) IsConnected() bool { return h.inner.IsConnected() }

// LastTickAt delegates to the inner feed.
func (h *Hub) LastTickAt() time.Time { return h.inner.LastTickAt() }

var _ marketdata.Feed = (*Hub)(nil)
