// Package marketdata provides quote retrieval and the real-time tick feed
// for the simulator. Prices arrive as float64 rupees on the wire and are
// converted to int64 paise once, here.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"paper-trader/internal/models"
	"paper-trader/pkg/utils"
)

// Key identifies an instrument on an exchange.
type Key struct {
	Symbol   string
	Exchange models.Exchange
}

func (k Key) String() string { return string(k.Exchange) + ":" + k.Symbol }

// Feed is a push source of real-time ticks.
type Feed interface {
	// Connect establishes the feed connection. It returns once connected
	// or when ctx expires.
	Connect(ctx context.Context) error
	// Close tears down the connection and stops reconnection attempts.
	Close() error
	// Subscribe registers interest in the given instruments.
	Subscribe(keys []Key) error
	// Unsubscribe removes interest in the given instruments.
	Unsubscribe(keys []Key) error
	// OnTick registers the tick handler. Must be called before Connect.
	OnTick(fn func(models.Tick))
	// IsConnected reports the current connection state.
	IsConnected() bool
	// LastTickAt returns the receive time of the most recent tick, zero
	// if none has arrived.
	LastTickAt() time.Time
}

// wireTick is the JSON tick message on the feed socket.
type wireTick struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LastPrice float64 `json:"last_price"` // rupees
}

// wireRequest is a subscribe/unsubscribe message.
type wireRequest struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"`
}

// WSFeed is a websocket Feed client with automatic reconnection and
// resubscription.
type WSFeed struct {
	url    string
	logger zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	subscribed map[Key]struct{}
	onTick     func(models.Tick)
	lastTickAt time.Time

	writeMu sync.Mutex // serializes websocket writes

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// WSFeedConfig holds websocket feed configuration.
type WSFeedConfig struct {
	URL        string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewWSFeed creates a websocket feed client. Zero config fields get
// sensible defaults.
func NewWSFeed(cfg WSFeedConfig, logger zerolog.Logger) *WSFeed {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &WSFeed{
		url:        cfg.URL,
		logger:     logger.With().Str("component", "ws_feed").Logger(),
		subscribed: make(map[Key]struct{}),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}
}

// OnTick registers the tick handler.
func (f *WSFeed) OnTick(fn func(models.Tick)) {
	f.mu.Lock()
	f.onTick = fn
	f.mu.Unlock()
}

// Connect dials the feed and starts the read loop.
func (f *WSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed is closed")
	}
	f.mu.Unlock()

	if err := f.dial(ctx); err != nil {
		return err
	}

	go f.readLoop(ctx)
	return nil
}

func (f *WSFeed) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dialing feed %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.logger.Info().Str("url", f.url).Msg("feed connected")

	return f.resubscribe()
}

// resubscribe replays the current subscription set after (re)connect.
func (f *WSFeed) resubscribe() error {
	f.mu.RLock()
	keys := make([]Key, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	f.mu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	return f.send("subscribe", keys)
}

func (f *WSFeed) send(action string, keys []Key) error {
	f.mu.RLock()
	conn := f.conn
	connected := f.connected
	f.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("feed not connected")
	}

	symbols := make([]string, len(keys))
	for i, k := range keys {
		symbols[i] = k.String()
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(wireRequest{Action: action, Symbols: symbols})
}

// Subscribe registers interest and notifies the server when connected.
// Subscriptions placed while disconnected are replayed on reconnect.
func (f *WSFeed) Subscribe(keys []Key) error {
	f.mu.Lock()
	for _, k := range keys {
		f.subscribed[k] = struct{}{}
	}
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return nil
	}
	return f.send("subscribe", keys)
}

// Unsubscribe removes interest in the given instruments.
func (f *WSFeed) Unsubscribe(keys []Key) error {
	f.mu.Lock()
	for _, k := range keys {
		delete(f.subscribed, k)
	}
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return nil
	}
	return f.send("unsubscribe", keys)
}

func (f *WSFeed) readLoop(ctx context.Context) {
	for {
		f.mu.RLock()
		conn := f.conn
		closed := f.closed
		f.mu.RUnlock()

		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()

			if f.isClosed() || ctx.Err() != nil {
				return
			}

			f.logger.Warn().Err(err).Msg("feed read failed, reconnecting")
			if !f.reconnect(ctx) {
				return
			}
			continue
		}

		var wt wireTick
		if err := json.Unmarshal(data, &wt); err != nil {
			f.logger.Debug().Err(err).Msg("skipping malformed tick")
			continue
		}
		if wt.Symbol == "" {
			continue
		}

		tick := models.Tick{
			Symbol:     wt.Symbol,
			Exchange:   models.Exchange(wt.Exchange),
			LastPrice:  utils.ToPaise(wt.LastPrice),
			ReceivedAt: time.Now(),
		}

		f.mu.Lock()
		f.lastTickAt = tick.ReceivedAt
		handler := f.onTick
		f.mu.Unlock()

		if handler != nil {
			handler(tick)
		}
	}
}

// reconnect retries the dial with exponential backoff. Returns false when
// retries are exhausted or the feed was closed.
func (f *WSFeed) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(utils.CalculateBackoff(attempt, f.baseDelay, f.maxDelay, 2)):
		}

		if f.isClosed() {
			return false
		}

		if err := f.dial(ctx); err == nil {
			return true
		} else {
			f.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("feed reconnect failed")
		}
	}
	f.logger.Error().Int("attempts", f.maxRetries).Msg("feed reconnect attempts exhausted")
	return false
}

func (f *WSFeed) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// IsConnected reports whether the socket is currently up.
func (f *WSFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// LastTickAt returns the receive time of the most recent tick.
func (f *WSFeed) LastTickAt() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTickAt
}

// Close tears down the connection and stops reconnection.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

var _ Feed = (*WSFeed)(nil)
