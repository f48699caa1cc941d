// Package scheduler runs the simulator's timed jobs: per-exchange
// square-off, nightly T+1 settlement, daily P&L snapshots and the weekly
// capital reset. Next fire times are persisted so a restart neither
// double-fires nor silently skips a job.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/store"
	"paper-trader/internal/trading"
)

// Job is one scheduled unit of work. Next returns the first fire time
// strictly after the given instant.
type Job struct {
	ID   string
	Next func(after time.Time) time.Time
	Run  func(ctx context.Context, fireTime time.Time) error
}

// Scheduler drives a job table on one loop. The table can be atomically
// replaced at runtime via Reload without a process restart.
type Scheduler struct {
	store    store.DataStore
	build    func(ctx context.Context) ([]*Job, error)
	logger   zerolog.Logger
	location *time.Location

	// misfireGrace bounds how late a job may still run; older misfires
	// are left to the catch-up processor.
	misfireGrace time.Duration

	mu       sync.Mutex
	jobs     map[string]*Job
	nextFire map[string]time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// New creates a scheduler. build constructs the job table from current
// settings; Reload calls it again.
func New(st store.DataStore, loc *time.Location, build func(ctx context.Context) ([]*Job, error), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:        st,
		build:        build,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		location:     loc,
		misfireGrace: 15 * time.Minute,
		jobs:         make(map[string]*Job),
		nextFire:     make(map[string]time.Time),
	}
}

// Start builds the job table and launches the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.loop(runCtx)
	s.logger.Info().Msg("scheduler started")
	return nil
}

// Stop halts the loop, waiting up to timeout for the current pass.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	s.logger.Info().Msg("scheduler stopped")
}

// Reload rebuilds the job table from current settings and replaces it
// atomically. Persisted next-fire times survive for jobs that keep
// their id; new jobs get a fresh schedule.
func (s *Scheduler) Reload(ctx context.Context) error {
	jobs, err := s.build(ctx)
	if err != nil {
		return err
	}

	now := time.Now().In(s.location)
	table := make(map[string]*Job, len(jobs))
	fires := make(map[string]time.Time, len(jobs))

	for _, job := range jobs {
		table[job.ID] = job

		persisted, ok, err := s.store.GetNextFire(ctx, job.ID)
		if err != nil {
			return err
		}
		if ok {
			fires[job.ID] = persisted.In(s.location)
			continue
		}
		next := job.Next(now)
		fires[job.ID] = next
		if err := s.store.SetNextFire(ctx, job.ID, next); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.jobs = table
	s.nextFire = fires
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(table)).Msg("job table replaced")
	return nil
}

// Status reports job ids and next fire times, sorted by id.
func (s *Scheduler) Status() []trading.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]trading.JobStatus, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, trading.JobStatus{ID: id, NextFire: s.nextFire[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second * 15):
		}
		s.tick(ctx, time.Now().In(s.location))
	}
}

// tick fires every due job once and advances its schedule.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*Job, 0)
	fireTimes := make(map[string]time.Time)
	for id, job := range s.jobs {
		if !s.nextFire[id].After(now) {
			due = append(due, job)
			fireTimes[id] = s.nextFire[id]
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		fireTime := fireTimes[job.ID]

		if now.Sub(fireTime) <= s.misfireGrace {
			if err := job.Run(ctx, fireTime); err != nil {
				s.logger.Error().Err(err).Str("job", job.ID).Msg("job failed")
			} else {
				s.logger.Info().Str("job", job.ID).Time("fire_time", fireTime).Msg("job ran")
			}
		} else {
			// Too stale to run now; the catch-up processor owns it.
			s.logger.Warn().Str("job", job.ID).Time("fire_time", fireTime).
				Msg("job misfired beyond grace, deferred to catch-up")
		}

		next := job.Next(now)
		s.mu.Lock()
		if _, still := s.jobs[job.ID]; still {
			s.nextFire[job.ID] = next
		}
		s.mu.Unlock()
		if err := s.store.SetNextFire(ctx, job.ID, next); err != nil {
			s.logger.Error().Err(err).Str("job", job.ID).Msg("persisting next fire time")
		}
	}
}

var _ trading.SchedulerControl = (*Scheduler)(nil)
