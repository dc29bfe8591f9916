package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/storage/memory"
	"github.com/digcoord/digcoord/internal/types"
)

type capturedEvents struct {
	mu   sync.Mutex
	list []events.DeadlineApproaching
}

func (c *capturedEvents) handler(ctx context.Context, ev events.Event) {
	if da, ok := ev.(events.DeadlineApproaching); ok {
		c.mu.Lock()
		c.list = append(c.list, da)
		c.mu.Unlock()
	}
}

func (c *capturedEvents) snapshot() []events.DeadlineApproaching {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.DeadlineApproaching, len(c.list))
	copy(out, c.list)
	return out
}

func seed(t *testing.T, store *memory.Store, id string, state types.ProjectState, start, end dates.Date) {
	t.Helper()
	err := store.Projects().Create(context.Background(), &types.Project{
		ID: id, Name: id, ApplicantID: "app-1", State: state,
		StartDate: start, EndDate: end,
		Geometry: geo.Point(14.4, 50.0), WorkType: types.WorkTypeGas, WorkCategory: types.CategoryPlanned,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newTestScheduler(t *testing.T, store *memory.Store, now time.Time) (*Scheduler, *events.Bus, *capturedEvents) {
	t.Helper()
	bus := events.NewBus(events.Options{Workers: 1, QueueDepth: 64}, nil)
	captured := &capturedEvents{}
	bus.Subscribe(captured.handler)
	s, err := New(store.Projects(), bus, Options{Timezone: "UTC"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.now = func() time.Time { return now }
	return s, bus, captured
}

func TestSweepEmitsApproachingHorizons(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	today := dates.FromTime(now, time.UTC)

	seed(t, store, "in-1", types.StateApproved, today.AddDays(1), today.AddDays(20))
	seed(t, store, "in-3", types.StateApproved, today.AddDays(3), today.AddDays(20))
	seed(t, store, "in-7", types.StateApproved, today.AddDays(7), today.AddDays(20))
	seed(t, store, "in-5", types.StateApproved, today.AddDays(5), today.AddDays(20)) // no horizon
	seed(t, store, "draft-3", types.StateDraft, today.AddDays(3), today.AddDays(20)) // wrong state

	s, bus, captured := newTestScheduler(t, store, now)
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow failed: %v", err)
	}
	bus.Close()

	got := map[string]int{}
	for _, ev := range captured.snapshot() {
		if ev.Kind != events.DeadlineStartApproaching {
			t.Errorf("unexpected kind %s", ev.Kind)
		}
		got[ev.Project.ID] = ev.DaysUntil
	}
	want := map[string]int{"in-1": 1, "in-3": 3, "in-7": 7}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for id, days := range want {
		if got[id] != days {
			t.Errorf("%s daysUntil = %d, want %d", id, got[id], days)
		}
	}
}

func TestSweepEmitsEndingSoonAndOverdueVariants(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	today := dates.FromTime(now, time.UTC)

	seed(t, store, "ending", types.StateInProgress, today.AddDays(-10), today.AddDays(1))
	seed(t, store, "overdue-start", types.StateApproved, today.AddDays(-3), today.AddDays(10))
	seed(t, store, "overdue-end", types.StateInProgress, today.AddDays(-20), today.AddDays(-3))
	seed(t, store, "healthy", types.StateInProgress, today.AddDays(-2), today.AddDays(15))

	s, bus, captured := newTestScheduler(t, store, now)
	if err := s.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow failed: %v", err)
	}
	bus.Close()

	kinds := map[string]events.DeadlineKind{}
	for _, ev := range captured.snapshot() {
		kinds[ev.Project.ID] = ev.Kind
	}
	want := map[string]events.DeadlineKind{
		"ending":        events.DeadlineEndingSoon,
		"overdue-start": events.DeadlineOverdueStart,
		"overdue-end":   events.DeadlineOverdueEnd,
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for id, kind := range want {
		if kinds[id] != kind {
			t.Errorf("%s kind = %s, want %s", id, kinds[id], kind)
		}
	}
}

func TestScheduleOnceRejectsPastInstants(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, bus, _ := newTestScheduler(t, store, now)
	defer bus.Close()

	err := s.ScheduleOnce(now.Add(-time.Hour))
	if !apperr.IsKind(err, apperr.KindInvalidInput) {
		t.Errorf("err = %v, want invalid-input", err)
	}
	if err := s.ScheduleOnce(now.Add(time.Hour)); err != nil {
		t.Errorf("future instant rejected: %v", err)
	}
	s.Stop()
}

func TestNextTickComputation(t *testing.T) {
	store := memory.NewStore()
	s, bus, _ := newTestScheduler(t, store, time.Time{})
	defer bus.Close()

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		// Before 09:00: fires the same day.
		{time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC), time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		// At 09:00 exactly: fires the next day.
		{time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)},
		// After 09:00: fires the next day.
		{time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		if got := s.nextTick(tc.now); !got.Equal(tc.want) {
			t.Errorf("nextTick(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestStartStopStatus(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	s, bus, _ := newTestScheduler(t, store, now)
	defer bus.Close()

	if s.Status().Running {
		t.Error("running before Start")
	}
	s.Start()
	st := s.Status()
	if !st.Running {
		t.Error("not running after Start")
	}
	if !st.NextRun.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("NextRun = %s", st.NextRun)
	}
	s.Start() // idempotent
	s.Stop()
	if s.Status().Running {
		t.Error("running after Stop")
	}
	s.Stop() // idempotent
}
