// Package events carries the domain events emitted after commit and the
// in-process bus that fans them out to subscribers.
package events

import (
	"github.com/digcoord/digcoord/internal/types"
	"github.com/digcoord/digcoord/internal/users"
)

// Event is a domain event. PartitionKey groups events that must be
// observed in commit order; events for the same entity share a key.
type Event interface {
	Name() string
	PartitionKey() string
}

// ProjectCreated is emitted after a project row is committed.
type ProjectCreated struct {
	Project *types.Project
}

func (e ProjectCreated) Name() string         { return "project_created" }
func (e ProjectCreated) PartitionKey() string { return e.Project.ID }

// ProjectUpdated is emitted after an attribute update commits. Old and
// New let subscribers diff geometry and dates.
type ProjectUpdated struct {
	Old *types.Project
	New *types.Project
}

func (e ProjectUpdated) Name() string         { return "project_updated" }
func (e ProjectUpdated) PartitionKey() string { return e.New.ID }

// GeometryChanged reports whether the update moved the footprint.
func (e ProjectUpdated) GeometryChanged() bool {
	return e.Old.Geometry.GeoJSON() != e.New.Geometry.GeoJSON()
}

// DatesChanged reports whether the update moved the time window.
func (e ProjectUpdated) DatesChanged() bool {
	return !e.Old.StartDate.Equal(e.New.StartDate) || !e.Old.EndDate.Equal(e.New.EndDate)
}

// ProjectStateChanged is emitted after a state transition commits.
type ProjectStateChanged struct {
	Project  *types.Project
	OldState types.ProjectState
}

func (e ProjectStateChanged) Name() string         { return "project_state_changed" }
func (e ProjectStateChanged) PartitionKey() string { return e.Project.ID }

// CommentAdded is emitted after a comment insert commits.
type CommentAdded struct {
	Project *types.Project
	Comment *types.Comment
}

func (e CommentAdded) Name() string         { return "comment_added" }
func (e CommentAdded) PartitionKey() string { return e.Project.ID }

// ConflictsDetected is emitted when detection finds a conflict on the
// subject project. Conflicts is the deduplicated union of spatial and
// temporal conflicts.
type ConflictsDetected struct {
	Project   *types.Project
	Conflicts []*types.Project
}

func (e ConflictsDetected) Name() string         { return "conflicts_detected" }
func (e ConflictsDetected) PartitionKey() string { return e.Project.ID }

// MoratoriumCreated is emitted after a moratorium insert commits.
type MoratoriumCreated struct {
	Moratorium *types.Moratorium
}

func (e MoratoriumCreated) Name() string         { return "moratorium_created" }
func (e MoratoriumCreated) PartitionKey() string { return e.Moratorium.ID }

// UserRegistered is announced by the external registration flow.
type UserRegistered struct {
	User *users.User
}

func (e UserRegistered) Name() string         { return "user_registered" }
func (e UserRegistered) PartitionKey() string { return e.User.ID }

// DeadlineKind distinguishes the scheduler's deadline sweeps.
type DeadlineKind string

const (
	DeadlineStartApproaching DeadlineKind = "start_approaching"
	DeadlineEndingSoon       DeadlineKind = "ending_soon"
	DeadlineOverdueStart     DeadlineKind = "overdue_start"
	DeadlineOverdueEnd       DeadlineKind = "overdue_end"
)

// DeadlineApproaching is emitted by the deadline scheduler. DaysUntil is
// the horizon for approaching deadlines and zero for overdue variants.
type DeadlineApproaching struct {
	Project   *types.Project
	DaysUntil int
	Kind      DeadlineKind
}

func (e DeadlineApproaching) Name() string         { return "deadline_approaching" }
func (e DeadlineApproaching) PartitionKey() string { return e.Project.ID }
