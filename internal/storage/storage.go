// Package storage defines the interfaces for the persistence backends.
// The postgres subpackage is the production implementation; tests use
// hand-written fakes against these interfaces.
package storage

import (
	"context"
	"errors"

	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/types"
)

// ErrMunicipalitiesUnavailable is returned by MunicipalityStore when the
// municipalities relation does not exist. Callers degrade to the empty
// set instead of failing.
var ErrMunicipalitiesUnavailable = errors.New("municipalities table unavailable")

// ProjectStore owns project rows and their derived conflict and
// municipality columns.
type ProjectStore interface {
	// Create persists a new project. ID and timestamps must already be
	// set by the caller; derived fields start false/empty.
	Create(ctx context.Context, p *types.Project) error

	// GetByID returns the project or a not-found error.
	GetByID(ctx context.Context, id string) (*types.Project, error)

	// FindMany returns one page of projects matching the filter,
	// ordered by creation time descending, plus the total count.
	FindMany(ctx context.Context, filter types.ProjectFilter) (*types.ProjectPage, error)

	// Update applies a partial attribute update. A "state" key routes
	// through the state machine (with audit); other keys write columns
	// directly. Unknown keys are rejected.
	Update(ctx context.Context, id string, updates map[string]interface{}, actorID string) (*types.Project, error)

	// ChangeState atomically validates the transition, writes the new
	// state and appends the audit entry in one transaction.
	ChangeState(ctx context.Context, id string, newState types.ProjectState, actorID string) (*types.Project, error)

	// Delete hard-deletes draft projects; anything else is routed
	// through ChangeState into cancelled, so it fails with
	// invalid-transition from states that do not permit cancellation.
	Delete(ctx context.Context, id, actorID string) error

	// UpdateConflictStatus overwrites the derived conflict fields.
	// Idempotent; does not emit events.
	UpdateConflictStatus(ctx context.Context, id string, hasConflict bool, conflictingIDs []string) error

	// AddConflictPeer appends peerID to the project's conflict set and
	// raises hasConflict, deduplicating under a row lock.
	AddConflictPeer(ctx context.Context, id, peerID string) error

	// UpdateAffectedMunicipalities overwrites the derived municipality
	// set. Idempotent; does not emit events.
	UpdateAffectedMunicipalities(ctx context.Context, id string, codes []string) error

	// AddComment appends a comment after verifying the project exists.
	AddComment(ctx context.Context, c *types.Comment) error

	// GetComments lists a project's comments oldest first.
	GetComments(ctx context.Context, projectID string) ([]*types.Comment, error)

	// FindSpatiallyIntersecting returns projects in the given states
	// whose geometry lies within bufferMeters of g, excluding excludeID.
	FindSpatiallyIntersecting(ctx context.Context, g geo.Geometry, bufferMeters float64, states []types.ProjectState, excludeID string) ([]*types.Project, error)

	// FindTemporallyOverlapping returns projects whose closed interval
	// overlaps [start, end], excluding excludeID.
	FindTemporallyOverlapping(ctx context.Context, start, end dates.Date, excludeID string) ([]*types.Project, error)

	// FindByStartDate returns projects in the given state starting
	// exactly on d.
	FindByStartDate(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error)

	// FindByEndDate returns projects in the given state ending exactly
	// on d.
	FindByEndDate(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error)

	// FindOverdueStart returns projects in the given state whose start
	// date is strictly before d.
	FindOverdueStart(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error)

	// FindOverdueEnd returns projects in the given state whose end date
	// is strictly before d.
	FindOverdueEnd(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error)

	// Statistics counts projects per state and with conflicts in one scan.
	Statistics(ctx context.Context) (*types.ProjectStatistics, error)
}

// MoratoriumStore owns moratorium rows.
type MoratoriumStore interface {
	// Create persists a new moratorium. The duration invariant must
	// already hold; the store re-checks and fails with
	// duration-exceeded otherwise.
	Create(ctx context.Context, m *types.Moratorium) error

	// GetByID returns the moratorium or a not-found error.
	GetByID(ctx context.Context, id string) (*types.Moratorium, error)

	// FindMany returns one page ordered by creation time descending.
	FindMany(ctx context.Context, filter types.MoratoriumFilter) (*types.MoratoriumPage, error)

	// Update applies a dynamic partial update, rejecting unknown keys
	// and re-validating the duration invariant when either date changes.
	Update(ctx context.Context, id string, updates map[string]interface{}) (*types.Moratorium, error)

	// Delete hard-deletes; returns false when the row did not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// FindActiveIntersecting returns moratoriums active on asOf whose
	// geometry intersects g.
	FindActiveIntersecting(ctx context.Context, g geo.Geometry, asOf dates.Date) ([]*types.Moratorium, error)

	// CheckViolations returns moratoriums whose validity overlaps
	// [start, end] (closed intervals) and whose geometry intersects g.
	CheckViolations(ctx context.Context, g geo.Geometry, start, end dates.Date) ([]*types.Moratorium, error)

	// FindActiveInArea behaves like FindActiveIntersecting with the
	// query geometry expanded by a metric buffer first.
	FindActiveInArea(ctx context.Context, g geo.Geometry, bufferMeters float64, asOf dates.Date) ([]*types.Moratorium, error)

	// FindExpiringSoon returns moratoriums with validTo in
	// [today, today+days], optionally restricted to municipalities.
	FindExpiringSoon(ctx context.Context, today dates.Date, days int, municipalityCodes []string) ([]*types.Moratorium, error)

	// Statistics summarizes one municipality's moratoriums in one scan.
	Statistics(ctx context.Context, municipalityCode string, today dates.Date) (*types.MoratoriumStatistics, error)
}

// MunicipalityStore resolves which municipality boundaries a geometry
// touches. The backing table is optional; when absent, implementations
// return ErrMunicipalitiesUnavailable and callers degrade to the empty
// set.
type MunicipalityStore interface {
	CodesIntersecting(ctx context.Context, g geo.Geometry) ([]string, error)
}

// AuditLog is the append-only transition and change record. Writers
// only; export is handled out of process.
type AuditLog interface {
	Append(ctx context.Context, e *types.AuditEntry) error
}

// Store aggregates the persistence backends sharing one database.
type Store interface {
	Projects() ProjectStore
	Moratoriums() MoratoriumStore
	Municipalities() MunicipalityStore
	Audit() AuditLog
	Ping(ctx context.Context) error
	Close() error
}

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxOpen  int
	MaxIdle  int
}
