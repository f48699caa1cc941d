package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/models"
)

// MatchingEngine is the closed interface both engine variants satisfy.
// The supervisor selects and swaps engines only through it.
type MatchingEngine interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	NotifyOrderPlaced(order *models.Order)
	NotifyOrderCompleted(order *models.Order)
}

// Mode names the engine currently serving fills.
type Mode string

const (
	ModeEvent   Mode = "event"
	ModePolling Mode = "polling"
	ModeStopped Mode = "stopped"
)

// Supervisor picks the matching engine at startup (event-driven when the
// feed is reachable, polling otherwise), runs the upgrade watcher that
// swaps polling for event-driven once the feed comes up, and fans order
// notifications out to the active engine.
type Supervisor struct {
	event   *EventEngine
	polling *PollingEngine
	health  *HealthMonitor
	connect func(ctx context.Context) error // dials the feed
	logger  zerolog.Logger

	stopTimeout time.Duration

	mu     sync.Mutex
	active MatchingEngine
	mode   Mode
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates the engine supervisor. connect dials the tick
// feed and is also used by the upgrade watcher to probe reachability.
func NewSupervisor(event *EventEngine, polling *PollingEngine, health *HealthMonitor,
	connect func(ctx context.Context) error, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		event:       event,
		polling:     polling,
		health:      health,
		connect:     connect,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		stopTimeout: 10 * time.Second,
		mode:        ModeStopped,
	}
}

// Mode reports which engine is serving fills.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start boots the preferred engine. Never fails outright: when the feed
// is unreachable the polling engine serves while the watcher retries.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(runCtx, 10*time.Second)
	err := s.connect(dialCtx)
	dialCancel()

	if err == nil {
		if startErr := s.event.Start(runCtx); startErr == nil {
			s.setActive(s.event, ModeEvent)
			s.health.Start(runCtx)
			s.logger.Info().Msg("event-driven engine selected")
			return nil
		} else {
			s.logger.Warn().Err(startErr).Msg("event engine start failed, falling back to polling")
		}
	} else {
		s.logger.Warn().Err(err).Msg("feed unreachable, starting polling engine")
	}

	if err := s.polling.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.setActive(s.polling, ModePolling)

	s.wg.Add(1)
	go s.upgradeWatcher(runCtx)
	return nil
}

func (s *Supervisor) setActive(e MatchingEngine, mode Mode) {
	s.mu.Lock()
	s.active = e
	s.mode = mode
	s.mu.Unlock()
}

// upgradeWatcher probes the feed while polling serves, and swaps to the
// event-driven engine once it becomes reachable. Pending orders are not
// lost: the event engine reseeds its index from persisted open orders.
func (s *Supervisor) upgradeWatcher(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}

		if s.Mode() != ModePolling {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.connect(dialCtx)
		cancel()
		if err != nil {
			continue
		}

		s.logger.Info().Msg("feed reachable, upgrading to event-driven engine")
		if err := s.event.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("event engine upgrade failed")
			continue
		}
		s.setActive(s.event, ModeEvent)
		if err := s.polling.Stop(s.stopTimeout); err != nil {
			s.logger.Warn().Err(err).Msg("stopping polling engine after upgrade")
		}
		s.health.Start(ctx)
		return
	}
}

// Stop shuts down whichever engines are running, bounded by the stop
// timeout.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mode = ModeStopped
	s.active = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.health.Stop(timeout)
	var firstErr error
	if err := s.event.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.polling.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	s.wg.Wait()
	s.logger.Info().Msg("matching engines stopped")
	return firstErr
}

// NotifyOrderPlaced forwards to the active engine.
func (s *Supervisor) NotifyOrderPlaced(order *models.Order) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.NotifyOrderPlaced(order)
	}
}

// NotifyOrderCompleted forwards to the active engine.
func (s *Supervisor) NotifyOrderCompleted(order *models.Order) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.NotifyOrderCompleted(order)
	}
}

var (
	_ MatchingEngine = (*EventEngine)(nil)
	_ MatchingEngine = (*PollingEngine)(nil)
	_ MatchingEngine = (*Supervisor)(nil)
)
