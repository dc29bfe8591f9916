// Package workflow implements the lifecycle controller: the thin
// orchestration facade the transport layer calls. For every mutating
// action it authorizes, performs the repository write (the repositories
// transact and audit), returns the new entity, and publishes a domain
// event after the write. It never waits for subscribers.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/storage"
	"github.com/digcoord/digcoord/internal/types"
	"github.com/digcoord/digcoord/internal/users"
	"github.com/digcoord/digcoord/internal/validation"
)

// Actor is the authenticated principal of a request, resolved by the
// external auth layer.
type Actor struct {
	ID          string
	Role        users.Role
	Territories []string
}

// CreateProjectInput is the payload for project creation.
type CreateProjectInput struct {
	Name                   string `validate:"required,max=200"`
	ContractorOrganization string `validate:"omitempty,max=200"`
	ContractorContact      *types.ContractorContact
	State                  types.ProjectState
	StartDate              dates.Date
	EndDate                dates.Date
	Geometry               geo.Geometry
	WorkType               types.WorkType     `validate:"required"`
	WorkCategory           types.WorkCategory `validate:"required"`
	Description            string             `validate:"max=4000"`
}

// CreateMoratoriumInput is the payload for moratorium creation.
type CreateMoratoriumInput struct {
	Name             string `validate:"required,max=200"`
	Geometry         geo.Geometry
	Reason           string `validate:"required,max=100"`
	ReasonDetail     string `validate:"max=4000"`
	ValidFrom        dates.Date
	ValidTo          dates.Date
	Exceptions       string `validate:"max=4000"`
	MunicipalityCode string `validate:"required"`
}

// Controller drives the project and moratorium lifecycles.
type Controller struct {
	store storage.Store
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// NewController wires a Controller. bus may be nil in tests that do not
// observe events.
func NewController(store storage.Store, bus *events.Bus, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store: store,
		bus:   bus,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// CreateProject validates and persists a new project for the actor.
func (c *Controller) CreateProject(ctx context.Context, actor Actor, in CreateProjectInput) (*types.Project, error) {
	if in.State == "" {
		in.State = types.StateDraft
	}
	if err := validation.Chain(
		validation.Struct(&in),
		validation.InitialState(in.State),
		validation.DatesPresent(in.StartDate, in.EndDate, "startDate", "endDate"),
		validation.DateOrder(in.StartDate, in.EndDate),
		validation.GeometryPresent(in.Geometry),
	); err != nil {
		return nil, err
	}

	now := c.now()
	p := &types.Project{
		ID:                     c.newID(),
		Name:                   in.Name,
		ApplicantID:            actor.ID,
		ContractorOrganization: in.ContractorOrganization,
		ContractorContact:      in.ContractorContact,
		State:                  in.State,
		StartDate:              in.StartDate,
		EndDate:                in.EndDate,
		Geometry:               in.Geometry,
		WorkType:               in.WorkType,
		WorkCategory:           in.WorkCategory,
		Description:            in.Description,
		ConflictingProjectIDs:  []string{},
		AffectedMunicipalities: []string{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := c.store.Projects().Create(ctx, p); err != nil {
		return nil, err
	}
	c.publish(events.ProjectCreated{Project: p})
	return p, nil
}

// UpdateProject applies a partial update after authorization. A "state"
// key is rejected as invalid input; transitions go through
// ChangeProjectState.
func (c *Controller) UpdateProject(ctx context.Context, actor Actor, id string, updates map[string]interface{}) (*types.Project, error) {
	current, err := c.store.Projects().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, hasState := updates["state"]; hasState {
		return nil, apperr.InvalidInput("state", "use the state-change operation for transitions")
	}
	if err := c.authorizeProjectEdit(actor, current); err != nil {
		return nil, err
	}
	if err := validateUpdateDates(current, updates); err != nil {
		return nil, err
	}

	updated, err := c.store.Projects().Update(ctx, id, updates, actor.ID)
	if err != nil {
		return nil, err
	}
	c.publish(events.ProjectUpdated{Old: current, New: updated})
	return updated, nil
}

// ChangeProjectState drives one transition of the state machine.
func (c *Controller) ChangeProjectState(ctx context.Context, actor Actor, id string, newState types.ProjectState) (*types.Project, error) {
	current, err := c.store.Projects().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeTransition(actor, current, newState); err != nil {
		return nil, err
	}
	updated, err := c.store.Projects().ChangeState(ctx, id, newState, actor.ID)
	if err != nil {
		return nil, err
	}
	c.publish(events.ProjectStateChanged{Project: updated, OldState: current.State})
	return updated, nil
}

// DeleteProject removes a draft project or cancels an approved one.
func (c *Controller) DeleteProject(ctx context.Context, actor Actor, id string) error {
	current, err := c.store.Projects().GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.State == types.StateDraft {
		if err := c.authorizeProjectEdit(actor, current); err != nil {
			return err
		}
	} else {
		if err := c.authorizeTransition(actor, current, types.StateCancelled); err != nil {
			return err
		}
	}
	if err := c.store.Projects().Delete(ctx, id, actor.ID); err != nil {
		return err
	}
	if current.State != types.StateDraft {
		cancelled := *current
		cancelled.State = types.StateCancelled
		c.publish(events.ProjectStateChanged{Project: &cancelled, OldState: current.State})
	}
	return nil
}

// AddComment appends a comment to a project.
func (c *Controller) AddComment(ctx context.Context, actor Actor, projectID, content, attachmentURL string) (*types.Comment, error) {
	if err := validation.CommentContent(content)(); err != nil {
		return nil, err
	}
	project, err := c.store.Projects().GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	comment := &types.Comment{
		ID:            c.newID(),
		ProjectID:     projectID,
		AuthorID:      actor.ID,
		Content:       content,
		AttachmentURL: attachmentURL,
		CreatedAt:     c.now(),
	}
	if err := c.store.Projects().AddComment(ctx, comment); err != nil {
		return nil, err
	}
	c.publish(events.CommentAdded{Project: project, Comment: comment})
	return comment, nil
}

// CreateMoratorium persists a moratorium for a coordinator or admin and
// audits the creation.
func (c *Controller) CreateMoratorium(ctx context.Context, actor Actor, in CreateMoratoriumInput) (*types.Moratorium, error) {
	if err := c.authorizeModerator(actor, in.MunicipalityCode); err != nil {
		return nil, err
	}
	if err := validation.Chain(
		validation.Struct(&in),
		validation.DatesPresent(in.ValidFrom, in.ValidTo, "validFrom", "validTo"),
		validation.DateOrder(in.ValidFrom, in.ValidTo),
		validation.MoratoriumDuration(in.ValidFrom, in.ValidTo),
		validation.GeometryPresent(in.Geometry),
	); err != nil {
		return nil, err
	}

	m := &types.Moratorium{
		ID:               c.newID(),
		Name:             in.Name,
		Geometry:         in.Geometry,
		Reason:           in.Reason,
		ReasonDetail:     in.ReasonDetail,
		ValidFrom:        in.ValidFrom,
		ValidTo:          in.ValidTo,
		Exceptions:       in.Exceptions,
		CreatedBy:        actor.ID,
		MunicipalityCode: in.MunicipalityCode,
		CreatedAt:        c.now(),
	}
	if err := c.store.Moratoriums().Create(ctx, m); err != nil {
		return nil, err
	}
	c.audit(ctx, m.ID, actor.ID, types.ActionMoratoriumCreated, nil, map[string]interface{}{
		"name": m.Name, "validFrom": m.ValidFrom.String(), "validTo": m.ValidTo.String(),
	})
	c.publish(events.MoratoriumCreated{Moratorium: m})
	return m, nil
}

// UpdateMoratorium applies a dynamic partial update and audits it.
func (c *Controller) UpdateMoratorium(ctx context.Context, actor Actor, id string, updates map[string]interface{}) (*types.Moratorium, error) {
	current, err := c.store.Moratoriums().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.authorizeModerator(actor, current.MunicipalityCode); err != nil {
		return nil, err
	}
	updated, err := c.store.Moratoriums().Update(ctx, id, updates)
	if err != nil {
		return nil, err
	}
	c.audit(ctx, id, actor.ID, types.ActionMoratoriumUpdated,
		map[string]interface{}{"validFrom": current.ValidFrom.String(), "validTo": current.ValidTo.String()},
		map[string]interface{}{"validFrom": updated.ValidFrom.String(), "validTo": updated.ValidTo.String()},
	)
	return updated, nil
}

// DeleteMoratorium hard-deletes a moratorium and audits it.
func (c *Controller) DeleteMoratorium(ctx context.Context, actor Actor, id string) error {
	current, err := c.store.Moratoriums().GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.authorizeModerator(actor, current.MunicipalityCode); err != nil {
		return err
	}
	ok, err := c.store.Moratoriums().Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("moratorium", id)
	}
	c.audit(ctx, id, actor.ID, types.ActionMoratoriumDeleted,
		map[string]interface{}{"name": current.Name}, nil)
	return nil
}

// AnnounceUserRegistered publishes the registration event on behalf of
// the external auth flow.
func (c *Controller) AnnounceUserRegistered(user *users.User) {
	c.publish(events.UserRegistered{User: user})
}

// authorizeProjectEdit gates attribute edits: owners while editable,
// coordinators within territory, admins always.
func (c *Controller) authorizeProjectEdit(actor Actor, p *types.Project) error {
	switch actor.Role {
	case users.RoleRegionalAdmin:
		return nil
	case users.RoleMunicipalCoordinator:
		return c.requireTerritory(actor, p)
	case users.RoleApplicant:
		if p.ApplicantID != actor.ID {
			return apperr.Forbidden("project belongs to another applicant")
		}
		if !p.State.IsEditable() {
			return apperr.Forbidden(fmt.Sprintf("project in state %s is no longer editable", p.State))
		}
		return nil
	default:
		return apperr.Forbidden("unknown role")
	}
}

// authorizeTransition gates state changes per the role table: approval
// and rejection belong to coordinators and admins; applicants drive
// their own projects out of draft and forward planning.
func (c *Controller) authorizeTransition(actor Actor, p *types.Project, to types.ProjectState) error {
	switch actor.Role {
	case users.RoleRegionalAdmin:
		return nil
	case users.RoleMunicipalCoordinator:
		return c.requireTerritory(actor, p)
	case users.RoleApplicant:
		if p.ApplicantID != actor.ID {
			return apperr.Forbidden("project belongs to another applicant")
		}
		if to == types.StateApproved || to == types.StateRejected {
			return apperr.Forbidden("only coordinators may approve or reject projects")
		}
		if p.State != types.StateDraft && p.State != types.StateForwardPlanning {
			return apperr.Forbidden(fmt.Sprintf("applicants cannot drive transitions out of %s", p.State))
		}
		return nil
	default:
		return apperr.Forbidden("unknown role")
	}
}

// authorizeModerator gates moratorium mutations: admins everywhere,
// coordinators within their territory.
func (c *Controller) authorizeModerator(actor Actor, municipalityCode string) error {
	switch actor.Role {
	case users.RoleRegionalAdmin:
		return nil
	case users.RoleMunicipalCoordinator:
		for _, code := range actor.Territories {
			if code == municipalityCode {
				return nil
			}
		}
		return apperr.Forbidden("municipality outside coordinator territory")
	default:
		return apperr.Forbidden("only coordinators and admins manage moratoriums")
	}
}

// requireTerritory checks territory against the project's affected
// municipalities. A project with no detected municipalities is only
// touchable by admins, which keeps coordinators inside their remit even
// when detection lags.
func (c *Controller) requireTerritory(actor Actor, p *types.Project) error {
	if users.Intersects(actor.Territories, p.AffectedMunicipalities) {
		return nil
	}
	return apperr.Forbidden("project outside coordinator territory")
}

func validateUpdateDates(current *types.Project, updates map[string]interface{}) error {
	start, end := current.StartDate, current.EndDate
	if raw, ok := updates["start_date"]; ok {
		d, ok := raw.(dates.Date)
		if !ok {
			return apperr.InvalidInput("start_date", "expected a date")
		}
		start = d
	}
	if raw, ok := updates["end_date"]; ok {
		d, ok := raw.(dates.Date)
		if !ok {
			return apperr.InvalidInput("end_date", "expected a date")
		}
		end = d
	}
	return validation.DateOrder(start, end)()
}

func (c *Controller) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// audit records moratorium lifecycle actions. Project transitions audit
// inside the repository transaction; moratorium audits ride after the
// write, and failures only log because the mutation already committed.
func (c *Controller) audit(ctx context.Context, entityID, actorID, action string, before, after map[string]interface{}) {
	err := c.store.Audit().Append(ctx, &types.AuditEntry{
		EntityID:  entityID,
		ActorID:   actorID,
		Action:    action,
		Before:    before,
		After:     after,
		CreatedAt: c.now(),
	})
	if err != nil {
		c.log.Error("failed to append audit entry",
			zap.String("entity", entityID),
			zap.String("action", action),
			zap.Error(err))
	}
}
