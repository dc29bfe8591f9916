// Package scheduler implements the deadline sweeper: a singleton that
// fires once a day in a fixed regional timezone and emits deadline
// events for approaching and overdue project dates.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/metrics"
	"github.com/digcoord/digcoord/internal/storage"
	"github.com/digcoord/digcoord/internal/types"
)

// StartHorizons are the approaching-start horizons swept daily.
var StartHorizons = []int{1, 3, 7}

// DefaultHour is the local hour of the daily sweep.
const DefaultHour = 9

// Status reports the scheduler's state to operators.
type Status struct {
	Running   bool
	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// Scheduler drives the daily deadline sweep and one-shot schedules.
type Scheduler struct {
	projects storage.ProjectStore
	bus      *events.Bus
	log      *zap.Logger
	loc      *time.Location
	hour     int
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	lastRun time.Time
	lastErr error
	timers  []*time.Timer
}

// Options configures a Scheduler.
type Options struct {
	// Timezone is the IANA name of the regional timezone; defaults to
	// Europe/Prague.
	Timezone string
	// Hour is the local hour of the daily tick; defaults to 9.
	Hour int
}

// New builds a Scheduler.
func New(projects storage.ProjectStore, bus *events.Bus, opts Options, log *zap.Logger) (*Scheduler, error) {
	if opts.Timezone == "" {
		opts.Timezone = "Europe/Prague"
	}
	if opts.Hour == 0 {
		opts.Hour = DefaultHour
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", opts.Timezone, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		projects: projects,
		bus:      bus,
		log:      log,
		loc:      loc,
		hour:     opts.Hour,
		now:      time.Now,
	}, nil
}

// Start launches the daily loop. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the loop and cancels pending one-shot schedules.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Status reports the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running: s.running,
		LastRun: s.lastRun,
	}
	if s.running {
		st.NextRun = s.nextTick(s.now())
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// ScheduleOnce runs a sweep at a specific instant. Instants in the past
// are rejected.
func (s *Scheduler) ScheduleOnce(at time.Time) error {
	now := s.now()
	if !at.After(now) {
		return apperr.InvalidInput("at", "scheduled instant is in the past")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := time.AfterFunc(at.Sub(now), func() {
		s.runSweep(context.Background())
	})
	s.timers = append(s.timers, timer)
	return nil
}

// TriggerNow runs one sweep synchronously; the manual hook for
// operators.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.runSweep(ctx)
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		wait := time.Until(s.nextTick(s.now()))
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := s.runSweep(context.Background()); err != nil {
				s.log.Error("deadline sweep failed", zap.Error(err))
			}
		}
	}
}

// nextTick returns the next daily fire instant after now.
func (s *Scheduler) nextTick(now time.Time) time.Time {
	local := now.In(s.loc)
	tick := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.loc)
	if !tick.After(local) {
		tick = tick.AddDate(0, 0, 1)
	}
	return tick
}

// runSweep emits the deadline events for one day.
func (s *Scheduler) runSweep(ctx context.Context) error {
	today := dates.FromTime(s.now(), s.loc)
	yesterday := today.AddDays(-1)
	metrics.SweepsTotal.Inc()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Approaching starts for approved projects.
	for _, horizon := range StartHorizons {
		projects, err := s.projects.FindByStartDate(ctx, types.StateApproved, today.AddDays(horizon))
		if err != nil {
			record(fmt.Errorf("failed to sweep start horizon %d: %w", horizon, err))
			continue
		}
		for _, p := range projects {
			s.bus.Publish(events.DeadlineApproaching{
				Project:   p,
				DaysUntil: horizon,
				Kind:      events.DeadlineStartApproaching,
			})
		}
	}

	// Works ending tomorrow.
	ending, err := s.projects.FindByEndDate(ctx, types.StateInProgress, today.AddDays(1))
	record(err)
	for _, p := range ending {
		s.bus.Publish(events.DeadlineApproaching{
			Project:   p,
			DaysUntil: 1,
			Kind:      events.DeadlineEndingSoon,
		})
	}

	// Approved projects that should have started by now.
	overdueStart, err := s.projects.FindOverdueStart(ctx, types.StateApproved, yesterday)
	record(err)
	for _, p := range overdueStart {
		s.bus.Publish(events.DeadlineApproaching{
			Project: p,
			Kind:    events.DeadlineOverdueStart,
		})
	}

	// Running projects past their end date.
	overdueEnd, err := s.projects.FindOverdueEnd(ctx, types.StateInProgress, yesterday)
	record(err)
	for _, p := range overdueEnd {
		s.bus.Publish(events.DeadlineApproaching{
			Project: p,
			Kind:    events.DeadlineOverdueEnd,
		})
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.lastErr = firstErr
	s.mu.Unlock()
	return firstErr
}
