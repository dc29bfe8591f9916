package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/storage/memory"
	"github.com/digcoord/digcoord/internal/types"
)

func date(t *testing.T, s string) dates.Date {
	t.Helper()
	d, err := dates.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return d
}

func interval(t *testing.T, start, end string) dates.Interval {
	return dates.Interval{Start: date(t, start), End: date(t, end)}
}

func seedProject(t *testing.T, store *memory.Store, id string, state types.ProjectState, g geo.Geometry, start, end string) *types.Project {
	t.Helper()
	p := &types.Project{
		ID:           id,
		Name:         "seed " + id,
		ApplicantID:  "applicant-" + id,
		State:        state,
		StartDate:    date(t, start),
		EndDate:      date(t, end),
		Geometry:     g,
		WorkType:     types.WorkTypeSewer,
		WorkCategory: types.CategoryPlanned,
	}
	if err := store.Projects().Create(context.Background(), p); err != nil {
		t.Fatalf("seed project %s: %v", id, err)
	}
	return p
}

func newDetector(store *memory.Store, bus *events.Bus) *Detector {
	return New(store.Projects(), store.Moratoriums(), store.Municipalities(), bus, Options{}, nil)
}

// The point pair is ~11 m apart, well inside the 20 m buffer; the far
// point is ~110 m away.
var (
	basePoint = geo.Point(14.4378, 50.0755)
	nearPoint = geo.Point(14.43795, 50.0755)
	farPoint  = geo.Point(14.4393, 50.0755)
)

func TestDetectClassifiesSpatialAndTemporalConflicts(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "B", types.StateApproved, basePoint, "2024-02-01", "2024-02-20")
	d := newDetector(store, nil)

	result, err := d.Detect(context.Background(), basePoint, interval(t, "2024-02-10", "2024-02-25"), "")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !result.HasConflict {
		t.Error("HasConflict = false, want true")
	}
	if len(result.SpatialConflicts) != 1 || result.SpatialConflicts[0].ID != "B" {
		t.Errorf("SpatialConflicts = %v, want [B]", result.SpatialConflicts)
	}
	if len(result.TemporalConflicts) != 1 || result.TemporalConflicts[0].ID != "B" {
		t.Errorf("TemporalConflicts = %v, want [B]", result.TemporalConflicts)
	}
}

func TestDetectTemporalIsSubsetOfSpatial(t *testing.T) {
	store := memory.NewStore()
	// Nearby but in a disjoint time window: spatial conflict only.
	seedProject(t, store, "B", types.StateApproved, nearPoint, "2024-06-01", "2024-06-30")
	d := newDetector(store, nil)

	result, err := d.Detect(context.Background(), basePoint, interval(t, "2024-01-01", "2024-01-31"), "")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !result.HasConflict {
		t.Error("spatial-only adjacency must still flag a conflict")
	}
	if len(result.SpatialConflicts) != 1 {
		t.Errorf("SpatialConflicts = %d, want 1", len(result.SpatialConflicts))
	}
	if len(result.TemporalConflicts) != 0 {
		t.Errorf("TemporalConflicts = %d, want 0", len(result.TemporalConflicts))
	}
}

func TestDetectIgnoresDistantAndInactiveProjects(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "far", types.StateApproved, farPoint, "2024-02-01", "2024-02-20")
	seedProject(t, store, "draft", types.StateDraft, basePoint, "2024-02-01", "2024-02-20")
	seedProject(t, store, "done", types.StateCompleted, basePoint, "2024-02-01", "2024-02-20")
	d := newDetector(store, nil)

	result, err := d.Detect(context.Background(), basePoint, interval(t, "2024-02-01", "2024-02-20"), "")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.HasConflict {
		t.Errorf("HasConflict = true with only distant/draft/completed projects: %+v", result.SpatialConflicts)
	}
}

func TestDetectReportsMoratoriumViolations(t *testing.T) {
	store := memory.NewStore()
	if err := store.Moratoriums().Create(context.Background(), &types.Moratorium{
		ID:               "M",
		Name:             "Winter moratorium",
		Geometry:         basePoint,
		Reason:           "resurfacing",
		ValidFrom:        date(t, "2024-01-01"),
		ValidTo:          date(t, "2024-12-31"),
		MunicipalityCode: "554782",
		CreatedBy:        "coord-1",
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed moratorium: %v", err)
	}
	d := newDetector(store, nil)

	result, err := d.Detect(context.Background(), basePoint, interval(t, "2024-06-01", "2024-06-30"), "")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !result.HasConflict {
		t.Error("moratorium violation must flag a conflict")
	}
	if len(result.MoratoriumViolations) != 1 || result.MoratoriumViolations[0].ID != "M" {
		t.Errorf("MoratoriumViolations = %v, want [M]", result.MoratoriumViolations)
	}

	// The advisory check never blocks.
	check, err := d.CheckProjectViolations(context.Background(), basePoint, interval(t, "2024-06-01", "2024-06-30"), nil)
	if err != nil {
		t.Fatalf("CheckProjectViolations failed: %v", err)
	}
	if !check.CanProceed {
		t.Error("CanProceed = false, moratoriums are advisory")
	}
	if len(check.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one description", check.Warnings)
	}
}

func TestRunForProjectMaintainsBidirectionalInvariant(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "B", types.StateApproved, basePoint, "2024-02-01", "2024-02-20")
	subject := seedProject(t, store, "C", types.StatePendingApproval, basePoint, "2024-02-10", "2024-02-25")

	bus := events.NewBus(events.Options{Workers: 1, QueueDepth: 16}, nil)
	var conflictEvents []events.ConflictsDetected
	done := make(chan struct{})
	bus.Subscribe(func(ctx context.Context, ev events.Event) {
		if cd, ok := ev.(events.ConflictsDetected); ok {
			conflictEvents = append(conflictEvents, cd)
			close(done)
		}
	})

	d := newDetector(store, bus)
	result, err := d.RunForProject(context.Background(), subject.ID)
	if err != nil {
		t.Fatalf("RunForProject failed: %v", err)
	}
	if !result.HasConflict {
		t.Fatal("HasConflict = false, want true")
	}

	// Subject side.
	c, _ := store.Projects().GetByID(context.Background(), "C")
	if !c.HasConflict || len(c.ConflictingProjectIDs) != 1 || c.ConflictingProjectIDs[0] != "B" {
		t.Errorf("subject conflict fields = %v/%v", c.HasConflict, c.ConflictingProjectIDs)
	}
	// Peer side picked up the reverse edge.
	b, _ := store.Projects().GetByID(context.Background(), "B")
	if !b.HasConflict || len(b.ConflictingProjectIDs) != 1 || b.ConflictingProjectIDs[0] != "C" {
		t.Errorf("peer conflict fields = %v/%v", b.HasConflict, b.ConflictingProjectIDs)
	}
	// No self references anywhere.
	for _, id := range c.ConflictingProjectIDs {
		if id == c.ID {
			t.Error("subject references itself")
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ConflictsDetected event never published")
	}
	bus.Close()
	if len(conflictEvents) != 1 || conflictEvents[0].Project.ID != "C" {
		t.Fatalf("events = %v", conflictEvents)
	}
	if len(conflictEvents[0].Conflicts) != 1 || conflictEvents[0].Conflicts[0].ID != "B" {
		t.Errorf("event conflicts = %v, want deduplicated [B]", conflictEvents[0].Conflicts)
	}
}

func TestRunForProjectIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "B", types.StateApproved, basePoint, "2024-02-01", "2024-02-20")
	seedProject(t, store, "C", types.StatePendingApproval, basePoint, "2024-02-10", "2024-02-25")
	d := newDetector(store, nil)

	for i := 0; i < 3; i++ {
		if _, err := d.RunForProject(context.Background(), "C"); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	b, _ := store.Projects().GetByID(context.Background(), "B")
	if len(b.ConflictingProjectIDs) != 1 {
		t.Errorf("peer list = %v, want exactly one entry after repeated runs", b.ConflictingProjectIDs)
	}
}

func TestRunForProjectDegradesWithoutMunicipalities(t *testing.T) {
	store := memory.NewStore() // Municipality map nil: table "absent"
	seedProject(t, store, "C", types.StatePendingApproval, basePoint, "2024-02-10", "2024-02-25")
	d := newDetector(store, nil)

	if _, err := d.RunForProject(context.Background(), "C"); err != nil {
		t.Fatalf("RunForProject failed without municipalities: %v", err)
	}
	c, _ := store.Projects().GetByID(context.Background(), "C")
	if len(c.AffectedMunicipalities) != 0 {
		t.Errorf("AffectedMunicipalities = %v, want empty set", c.AffectedMunicipalities)
	}
}

func TestRunForProjectRecomputesMunicipalities(t *testing.T) {
	store := memory.NewStore()
	store.Municipality = map[string]geo.Geometry{
		"554782": basePoint,
		"500011": farPoint,
	}
	seedProject(t, store, "C", types.StatePendingApproval, basePoint, "2024-02-10", "2024-02-25")
	d := newDetector(store, nil)

	if _, err := d.RunForProject(context.Background(), "C"); err != nil {
		t.Fatalf("RunForProject failed: %v", err)
	}
	c, _ := store.Projects().GetByID(context.Background(), "C")
	if len(c.AffectedMunicipalities) != 1 || c.AffectedMunicipalities[0] != "554782" {
		t.Errorf("AffectedMunicipalities = %v, want [554782]", c.AffectedMunicipalities)
	}
}

func TestRunBatchOmitsFailures(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "A", types.StateApproved, basePoint, "2024-02-01", "2024-02-20")
	seedProject(t, store, "B", types.StateApproved, nearPoint, "2024-02-10", "2024-02-25")
	d := newDetector(store, nil)

	results := d.RunBatch(context.Background(), []string{"A", "B", "missing"})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (missing id omitted)", len(results))
	}
	if _, ok := results["missing"]; ok {
		t.Error("failed id present in result map")
	}
	if !results["A"].HasConflict || !results["B"].HasConflict {
		t.Error("adjacent overlapping projects not mutually conflicting")
	}
}

func TestDetectExcludesSubjectProject(t *testing.T) {
	store := memory.NewStore()
	seedProject(t, store, "only", types.StateApproved, basePoint, "2024-02-01", "2024-02-20")
	d := newDetector(store, nil)

	result, err := d.Detect(context.Background(), basePoint, interval(t, "2024-02-01", "2024-02-20"), "only")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.HasConflict {
		t.Error("project conflicts with itself")
	}
}

func TestValidateMoratoriumOverlapRestrictsMunicipality(t *testing.T) {
	store := memory.NewStore()
	seed := func(id, code string) {
		if err := store.Moratoriums().Create(context.Background(), &types.Moratorium{
			ID: id, Name: id, Geometry: basePoint, Reason: "r",
			ValidFrom: date(t, "2024-01-01"), ValidTo: date(t, "2024-12-31"),
			MunicipalityCode: code, CreatedBy: "coord", CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed moratorium %s: %v", id, err)
		}
	}
	seed("inside", "554782")
	seed("elsewhere", "500011")
	d := newDetector(store, nil)

	check, err := d.ValidateMoratoriumOverlap(context.Background(), basePoint,
		date(t, "2024-03-01"), date(t, "2024-04-01"), "554782", "")
	if err != nil {
		t.Fatalf("ValidateMoratoriumOverlap failed: %v", err)
	}
	if !check.HasOverlap || len(check.Overlapping) != 1 || check.Overlapping[0].ID != "inside" {
		t.Errorf("check = %+v, want only the in-municipality overlap", check)
	}

	// Excluding the overlapping id clears the advisory.
	check, err = d.ValidateMoratoriumOverlap(context.Background(), basePoint,
		date(t, "2024-03-01"), date(t, "2024-04-01"), "554782", "inside")
	if err != nil {
		t.Fatalf("ValidateMoratoriumOverlap failed: %v", err)
	}
	if check.HasOverlap {
		t.Error("excluded moratorium still reported")
	}
}
