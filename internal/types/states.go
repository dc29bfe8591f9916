package types

import (
	"github.com/digcoord/digcoord/internal/apperr"
)

// ProjectState is the lifecycle state of a project.
type ProjectState string

const (
	StateDraft           ProjectState = "draft"
	StateForwardPlanning ProjectState = "forward_planning"
	StatePendingApproval ProjectState = "pending_approval"
	StateApproved        ProjectState = "approved"
	StateInProgress      ProjectState = "in_progress"
	StateCompleted       ProjectState = "completed"
	StateRejected        ProjectState = "rejected"
	StateCancelled       ProjectState = "cancelled"
)

// transitions is the full state machine. A state missing from a value
// slice is an illegal target; terminal states map to an empty slice.
var transitions = map[ProjectState][]ProjectState{
	StateDraft:           {StateForwardPlanning, StatePendingApproval},
	StateForwardPlanning: {StatePendingApproval},
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateInProgress, StateCancelled},
	StateInProgress:      {StateCompleted},
	StateCompleted:       {},
	StateRejected:        {},
	StateCancelled:       {},
}

// AllStates lists every defined state.
func AllStates() []ProjectState {
	return []ProjectState{
		StateDraft, StateForwardPlanning, StatePendingApproval, StateApproved,
		StateInProgress, StateCompleted, StateRejected, StateCancelled,
	}
}

// IsValid reports whether s is one of the defined states.
func (s ProjectState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (s ProjectState) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the move s -> to is in the table.
func (s ProjectState) CanTransitionTo(to ProjectState) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an invalid-transition error when the move
// from -> to is not in the table, including unknown states.
func ValidateTransition(from, to ProjectState) error {
	if !from.IsValid() {
		return apperr.InvalidInput("state", "unknown state "+string(from))
	}
	if !to.IsValid() {
		return apperr.InvalidInput("state", "unknown state "+string(to))
	}
	if !from.CanTransitionTo(to) {
		return apperr.InvalidTransition(string(from), string(to))
	}
	return nil
}

// EditableStates are the states in which an applicant may still edit
// project attributes.
var EditableStates = []ProjectState{StateDraft, StateForwardPlanning, StatePendingApproval}

// IsEditable reports whether project attributes may still be changed by
// the applicant in state s.
func (s ProjectState) IsEditable() bool {
	for _, e := range EditableStates {
		if s == e {
			return true
		}
	}
	return false
}

// InitialStates are the states a project may be created in.
var InitialStates = []ProjectState{StateDraft, StatePendingApproval}

// ConflictRelevantStates are the states considered when searching for
// spatial conflict candidates.
var ConflictRelevantStates = []ProjectState{StateApproved, StateInProgress, StatePendingApproval}
