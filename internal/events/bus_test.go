package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/digcoord/digcoord/internal/types"
)

func project(id string) *types.Project {
	return &types.Project{ID: id}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(Options{Workers: 2, QueueDepth: 16}, nil)

	var mu sync.Mutex
	got := map[string]int{}
	for i := 0; i < 3; i++ {
		bus.Subscribe(func(ctx context.Context, ev Event) {
			mu.Lock()
			got[ev.Name()]++
			mu.Unlock()
		})
	}

	bus.Publish(ProjectCreated{Project: project("p1")})
	bus.Close()

	if got["project_created"] != 3 {
		t.Errorf("deliveries = %d, want 3", got["project_created"])
	}
}

func TestBusPreservesOrderPerPartition(t *testing.T) {
	bus := NewBus(Options{Workers: 4, QueueDepth: 64}, nil)

	var mu sync.Mutex
	var seen []string
	bus.Subscribe(func(ctx context.Context, ev Event) {
		sc := ev.(ProjectStateChanged)
		mu.Lock()
		seen = append(seen, string(sc.OldState))
		mu.Unlock()
	})

	// All events share one partition key, so delivery order must match
	// publish order even with multiple workers.
	order := []types.ProjectState{
		types.StateDraft, types.StatePendingApproval, types.StateApproved, types.StateInProgress,
	}
	for _, st := range order {
		bus.Publish(ProjectStateChanged{Project: project("same"), OldState: st})
	}
	bus.Close()

	if len(seen) != len(order) {
		t.Fatalf("delivered %d events, want %d", len(seen), len(order))
	}
	for i, st := range order {
		if seen[i] != string(st) {
			t.Errorf("position %d = %s, want %s", i, seen[i], st)
		}
	}
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(Options{Workers: 1, QueueDepth: 8}, nil)

	delivered := make(chan struct{}, 1)
	bus.Subscribe(func(ctx context.Context, ev Event) {
		panic("bad subscriber")
	})
	bus.Subscribe(func(ctx context.Context, ev Event) {
		delivered <- struct{}{}
	})

	bus.Publish(ProjectCreated{Project: project("p1")})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never ran after panic in first")
	}
	bus.Close()
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	bus := NewBus(Options{Workers: 1, QueueDepth: 8}, nil)
	bus.Close()
	// Must not panic on closed channels.
	bus.Publish(ProjectCreated{Project: project("p1")})
}

func TestProjectUpdatedDiffHelpers(t *testing.T) {
	old := &types.Project{ID: "p1"}
	newer := &types.Project{ID: "p1"}
	ev := ProjectUpdated{Old: old, New: newer}
	if ev.GeometryChanged() {
		t.Error("GeometryChanged true for identical geometry")
	}
	if ev.DatesChanged() {
		t.Error("DatesChanged true for identical dates")
	}
}
