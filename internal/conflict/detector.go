// Package conflict implements the spatial/temporal conflict detector.
// It owns no persistent state: it reads the project and moratorium
// repositories and writes only through their derived-field mutators, so
// detection can never emit a cascade of further lifecycle events.
package conflict

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/metrics"
	"github.com/digcoord/digcoord/internal/storage"
	"github.com/digcoord/digcoord/internal/types"
)

// DefaultBufferMeters is the spatial adjacency threshold: two projects
// within this distance (inclusive) are spatial conflicts.
const DefaultBufferMeters = 20

// DefaultSoftBudget is the detection duration above which a warning is
// logged. The request still succeeds.
const DefaultSoftBudget = 10 * time.Second

// DefaultBatchConcurrency bounds concurrent detections in RunBatch.
const DefaultBatchConcurrency = 5

// Result classifies a geometry and interval against the corpus.
// TemporalConflicts is the time-filtered subset of SpatialConflicts; the
// two slices share elements.
type Result struct {
	HasConflict          bool
	SpatialConflicts     []*types.Project
	TemporalConflicts    []*types.Project
	MoratoriumViolations []*types.Moratorium
}

// Options tunes a Detector. Zero values fall back to the defaults.
type Options struct {
	BufferMeters     float64
	SoftBudget       time.Duration
	BatchConcurrency int
}

// Detector classifies conflicts and propagates derived state.
type Detector struct {
	projects       storage.ProjectStore
	moratoriums    storage.MoratoriumStore
	municipalities storage.MunicipalityStore
	bus            *events.Bus
	log            *zap.Logger

	bufferMeters float64
	softBudget   time.Duration
	batchLimit   int
}

// New wires a Detector. bus may be nil for callers that only classify.
func New(projects storage.ProjectStore, moratoriums storage.MoratoriumStore, municipalities storage.MunicipalityStore, bus *events.Bus, opts Options, log *zap.Logger) *Detector {
	if opts.BufferMeters <= 0 {
		opts.BufferMeters = DefaultBufferMeters
	}
	if opts.SoftBudget <= 0 {
		opts.SoftBudget = DefaultSoftBudget
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		projects:       projects,
		moratoriums:    moratoriums,
		municipalities: municipalities,
		bus:            bus,
		log:            log,
		bufferMeters:   opts.BufferMeters,
		softBudget:     opts.SoftBudget,
		batchLimit:     opts.BatchConcurrency,
	}
}

// Detect classifies a geometry and closed interval against approved,
// in-progress and pending projects and against moratoriums. The spatial
// and moratorium queries run concurrently.
func (d *Detector) Detect(ctx context.Context, g geo.Geometry, interval dates.Interval, excludeProjectID string) (*Result, error) {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		metrics.DetectionDuration.Observe(elapsed.Seconds())
		if elapsed > d.softBudget {
			d.log.Warn("conflict detection exceeded soft budget",
				zap.Duration("elapsed", elapsed),
				zap.Duration("budget", d.softBudget),
				zap.String("exclude", excludeProjectID))
		}
	}()

	var (
		candidates []*types.Project
		violations []*types.Moratorium
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		candidates, err = d.projects.FindSpatiallyIntersecting(gctx, g, d.bufferMeters, types.ConflictRelevantStates, excludeProjectID)
		return err
	})
	group.Go(func() error {
		var err error
		violations, err = d.moratoriums.CheckViolations(gctx, g, interval.Start, interval.End)
		return err
	})
	if err := group.Wait(); err != nil {
		metrics.DetectionsTotal.WithLabelValues("error").Inc()
		return nil, apperr.ConflictDetection(err)
	}

	var temporal []*types.Project
	for _, other := range candidates {
		if interval.Overlaps(other.Interval()) {
			temporal = append(temporal, other)
		}
	}

	result := &Result{
		HasConflict:          len(candidates) > 0 || len(violations) > 0,
		SpatialConflicts:     candidates,
		TemporalConflicts:    temporal,
		MoratoriumViolations: violations,
	}
	if result.HasConflict {
		metrics.DetectionsTotal.WithLabelValues("conflict").Inc()
	} else {
		metrics.DetectionsTotal.WithLabelValues("clear").Inc()
	}
	return result, nil
}

// RunForProject recomputes a project's derived conflict state and
// propagates the bidirectional peer links. Municipality recomputation
// failures are logged and swallowed; the conflict write is the primary
// outcome.
func (d *Detector) RunForProject(ctx context.Context, id string) (*Result, error) {
	subject, err := d.projects.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := d.Detect(ctx, subject.Geometry, subject.Interval(), id)
	if err != nil {
		return nil, err
	}

	peerIDs := make([]string, 0, len(result.SpatialConflicts))
	for _, other := range result.SpatialConflicts {
		peerIDs = append(peerIDs, other.ID)
	}
	if err := d.projects.UpdateConflictStatus(ctx, id, result.HasConflict, peerIDs); err != nil {
		return nil, err
	}

	// Maintain the bidirectional invariant. Each peer write locks one
	// row; concurrent detectors dedupe inside AddConflictPeer.
	for _, other := range result.SpatialConflicts {
		if err := d.projects.AddConflictPeer(ctx, other.ID, id); err != nil {
			d.log.Error("failed to propagate conflict to peer",
				zap.String("project", id),
				zap.String("peer", other.ID),
				zap.Error(err))
		}
	}

	d.refreshMunicipalities(ctx, subject)

	if result.HasConflict && d.bus != nil {
		d.bus.Publish(events.ConflictsDetected{
			Project:   subject,
			Conflicts: uniqueProjects(result.SpatialConflicts, result.TemporalConflicts),
		})
	}
	return result, nil
}

// refreshMunicipalities recomputes the affected-municipality set. A
// missing municipalities table degrades to the empty set.
func (d *Detector) refreshMunicipalities(ctx context.Context, subject *types.Project) {
	codes, err := d.municipalities.CodesIntersecting(ctx, subject.Geometry)
	if err == storage.ErrMunicipalitiesUnavailable {
		codes = nil
	} else if err != nil {
		d.log.Error("failed to detect affected municipalities",
			zap.String("project", subject.ID),
			zap.Error(err))
		return
	}
	if err := d.projects.UpdateAffectedMunicipalities(ctx, subject.ID, codes); err != nil {
		d.log.Error("failed to store affected municipalities",
			zap.String("project", subject.ID),
			zap.Error(err))
	}
}

// RunBatch detects conflicts for many projects with bounded
// concurrency. Individual failures are logged and omitted from the
// result map.
func (d *Detector) RunBatch(ctx context.Context, projectIDs []string) map[string]*Result {
	results := make(map[string]*Result, len(projectIDs))
	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.batchLimit)
	for _, id := range projectIDs {
		id := id
		group.Go(func() error {
			result, err := d.RunForProject(gctx, id)
			if err != nil {
				d.log.Warn("batch conflict detection failed for project",
					zap.String("project", id),
					zap.Error(err))
				return nil // individual failures do not abort the batch
			}
			mu.Lock()
			results[id] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// CheckProjectViolations is the advisory moratorium check exposed to the
// submission flow: violations become warnings, never blocks. A non-empty
// municipalityCodes set restricts the result to those municipalities.
func (d *Detector) CheckProjectViolations(ctx context.Context, g geo.Geometry, interval dates.Interval, municipalityCodes []string) (*types.ViolationCheck, error) {
	violations, err := d.moratoriums.CheckViolations(ctx, g, interval.Start, interval.End)
	if err != nil {
		return nil, apperr.ConflictDetection(err)
	}
	check := &types.ViolationCheck{CanProceed: true}
	for _, m := range violations {
		if len(municipalityCodes) > 0 && !containsCode(municipalityCodes, m.MunicipalityCode) {
			continue
		}
		check.Violations = append(check.Violations, m)
		check.Warnings = append(check.Warnings, describeViolation(m))
	}
	return check, nil
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// ValidateMoratoriumOverlap advises on overlap with existing moratoriums
// in one municipality before creation. Advisory only.
func (d *Detector) ValidateMoratoriumOverlap(ctx context.Context, g geo.Geometry, from, to dates.Date, municipalityCode, excludeID string) (*types.OverlapCheck, error) {
	violations, err := d.moratoriums.CheckViolations(ctx, g, from, to)
	if err != nil {
		return nil, apperr.ConflictDetection(err)
	}
	check := &types.OverlapCheck{}
	for _, m := range violations {
		if m.ID == excludeID || m.MunicipalityCode != municipalityCode {
			continue
		}
		check.HasOverlap = true
		check.Overlapping = append(check.Overlapping, m)
		check.Warnings = append(check.Warnings, describeViolation(m))
	}
	return check, nil
}

func describeViolation(m *types.Moratorium) string {
	msg := "moratorium \"" + m.Name + "\" is in force " + m.ValidFrom.String() + " to " + m.ValidTo.String()
	if m.Reason != "" {
		msg += " (" + m.Reason + ")"
	}
	if m.Exceptions != "" {
		msg += "; exceptions: " + m.Exceptions
	}
	return msg
}

// uniqueProjects merges project slices, deduplicating by id.
func uniqueProjects(groups ...[]*types.Project) []*types.Project {
	seen := make(map[string]bool)
	var out []*types.Project
	for _, group := range groups {
		for _, p := range group {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}
