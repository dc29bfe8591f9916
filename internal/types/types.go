// Package types defines the domain entities shared by the repositories,
// the lifecycle controller and the conflict detector.
package types

import (
	"time"

	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
)

// WorkType describes the kind of excavation work.
type WorkType string

const (
	WorkTypeWaterSupply WorkType = "water_supply"
	WorkTypeSewer       WorkType = "sewer"
	WorkTypeGas         WorkType = "gas"
	WorkTypeElectricity WorkType = "electricity"
	WorkTypeTelecom     WorkType = "telecom"
	WorkTypeHeating     WorkType = "heating"
	WorkTypeRoadworks   WorkType = "roadworks"
	WorkTypeOther       WorkType = "other"
)

// WorkCategory describes who drives the work.
type WorkCategory string

const (
	CategoryPlanned     WorkCategory = "planned"
	CategoryEmergency   WorkCategory = "emergency"
	CategoryMaintenance WorkCategory = "maintenance"
)

// ContractorContact is the optional contractor contact block on a project.
type ContractorContact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Project is an excavation project walking the lifecycle state machine.
type Project struct {
	ID                     string
	Name                   string
	ApplicantID            string
	ContractorOrganization string
	ContractorContact      *ContractorContact
	State                  ProjectState
	StartDate              dates.Date
	EndDate                dates.Date
	Geometry               geo.Geometry
	WorkType               WorkType
	WorkCategory           WorkCategory
	Description            string
	HasConflict            bool
	ConflictingProjectIDs  []string
	AffectedMunicipalities []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Interval returns the project's closed date interval.
func (p *Project) Interval() dates.Interval {
	return dates.Interval{Start: p.StartDate, End: p.EndDate}
}

// MaxMoratoriumYears bounds a moratorium's validity span: validTo must not
// exceed validFrom with the year field advanced by this many years.
const MaxMoratoriumYears = 5

// Moratorium is a time- and space-bounded advisory no-dig restriction.
type Moratorium struct {
	ID               string
	Name             string
	Geometry         geo.Geometry
	Reason           string
	ReasonDetail     string
	ValidFrom        dates.Date
	ValidTo          dates.Date
	Exceptions       string
	CreatedBy        string
	MunicipalityCode string
	CreatedAt        time.Time
}

// Interval returns the moratorium's closed validity interval.
func (m *Moratorium) Interval() dates.Interval {
	return dates.Interval{Start: m.ValidFrom, End: m.ValidTo}
}

// ActiveOn reports whether the moratorium is in force on the given date.
func (m *Moratorium) ActiveOn(d dates.Date) bool {
	return m.Interval().Contains(d)
}

// MaxCommentLength bounds project comment content.
const MaxCommentLength = 1000

// Comment is a free-text note attached to a project.
type Comment struct {
	ID            string
	ProjectID     string
	AuthorID      string
	Content       string
	AttachmentURL string
	CreatedAt     time.Time
}

// AuditEntry is one append-only record of a state transition or
// attribute change. Before and After are structured snapshots of the
// fields the action touched.
type AuditEntry struct {
	ID        int64
	EntityID  string
	ActorID   string
	Action    string
	Before    map[string]interface{}
	After     map[string]interface{}
	CreatedAt time.Time
}

// Audit action tags.
const (
	ActionStateChanged      = "state_changed"
	ActionProjectUpdated    = "project_updated"
	ActionProjectDeleted    = "project_deleted"
	ActionMoratoriumCreated = "moratorium_created"
	ActionMoratoriumUpdated = "moratorium_updated"
	ActionMoratoriumDeleted = "moratorium_deleted"
)

// ProjectFilter narrows FindMany queries. Zero values mean "no filter".
type ProjectFilter struct {
	States            []ProjectState
	MunicipalityCode  string
	MunicipalityCodes []string // set-intersection with affected municipalities
	DateFrom          dates.Date
	DateTo            dates.Date
	WorkCategory      WorkCategory
	HasConflict       *bool
	ApplicantID       string
	Page              int
	Limit             int
}

// MoratoriumFilter narrows moratorium FindMany queries.
type MoratoriumFilter struct {
	MunicipalityCode  string
	MunicipalityCodes []string
	ActiveOn          dates.Date
	OverlapFrom       dates.Date
	OverlapTo         dates.Date
	CreatedBy         string
	Page              int
	Limit             int
}

// Pagination bounds shared by all list queries.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ClampPage normalizes page and limit to their allowed ranges.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// ProjectPage is one page of a filtered project query.
type ProjectPage struct {
	Projects []*Project
	Total    int
	Page     int
	Limit    int
}

// MoratoriumPage is one page of a filtered moratorium query.
type MoratoriumPage struct {
	Moratoriums []*Moratorium
	Total       int
	Page        int
	Limit       int
}

// OverlapCheck is the advisory result of ValidateMoratoriumOverlap.
type OverlapCheck struct {
	HasOverlap  bool
	Overlapping []*Moratorium
	Warnings    []string
}

// ViolationCheck is the advisory result of CheckProjectViolations.
// Moratoriums never block a project, so CanProceed is always true.
type ViolationCheck struct {
	Violations []*Moratorium
	Warnings   []string
	CanProceed bool
}

// MoratoriumStatistics summarizes one municipality's moratoriums.
type MoratoriumStatistics struct {
	Total        int
	Active       int
	ExpiringSoon int
	TotalAreaM2  float64
}

// ProjectStatistics summarizes the project corpus for operators.
type ProjectStatistics struct {
	ByState      map[ProjectState]int
	Total        int
	WithConflict int
}
