// Package notify implements the notification dispatcher: it consumes
// domain events, resolves recipients through the external user
// directory, and enqueues one message per recipient to the external
// email queue. Failures never propagate to the write path.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/conflict"
	"github.com/digcoord/digcoord/internal/events"
	"github.com/digcoord/digcoord/internal/metrics"
	"github.com/digcoord/digcoord/internal/types"
	"github.com/digcoord/digcoord/internal/users"
)

// Notification templates handed to the email fabric.
const (
	TemplateProjectSubmitted    = "project_submitted"
	TemplateProjectStateChanged = "project_state_changed"
	TemplateProjectUpdated      = "project_updated"
	TemplateConflictsDetected   = "conflicts_detected"
	TemplateCommentAdded        = "comment_added"
	TemplateMoratoriumCreated   = "moratorium_created"
	TemplateUserRegistered      = "user_registered"
	TemplateDeadlineApproaching = "deadline_approaching"
)

// Dispatcher resolves recipients and enqueues notifications.
type Dispatcher struct {
	dir      users.Directory
	queue    MailQueue
	detector *conflict.Detector
	log      *zap.Logger
}

// NewDispatcher wires a Dispatcher. detector may be nil when geometry
// edits should not re-trigger detection (tests).
func NewDispatcher(dir users.Directory, queue MailQueue, detector *conflict.Detector, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{dir: dir, queue: queue, detector: detector, log: log}
}

// Handle is the bus subscriber. It never returns an error: notification
// failures are logged and counted only.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.ProjectCreated:
		d.onProjectCreated(ctx, e)
	case events.ProjectStateChanged:
		d.onProjectStateChanged(ctx, e)
	case events.ProjectUpdated:
		d.onProjectUpdated(ctx, e)
	case events.ConflictsDetected:
		d.onConflictsDetected(ctx, e)
	case events.CommentAdded:
		d.onCommentAdded(ctx, e)
	case events.MoratoriumCreated:
		d.onMoratoriumCreated(ctx, e)
	case events.UserRegistered:
		d.onUserRegistered(ctx, e)
	case events.DeadlineApproaching:
		d.onDeadlineApproaching(ctx, e)
	}
}

func (d *Dispatcher) onProjectCreated(ctx context.Context, e events.ProjectCreated) {
	if e.Project.State != types.StatePendingApproval {
		return
	}
	recipients := d.coordinatorsFor(ctx, e.Project.AffectedMunicipalities)
	d.send(ctx, recipients, TemplateProjectSubmitted, projectPayload(e.Project))
}

func (d *Dispatcher) onProjectStateChanged(ctx context.Context, e events.ProjectStateChanged) {
	payload := projectPayload(e.Project)
	payload["oldState"] = string(e.OldState)
	payload["newState"] = string(e.Project.State)

	var recipients []*users.User
	switch e.Project.State {
	case types.StateApproved, types.StateRejected:
		recipients = d.applicantOf(ctx, e.Project)
	case types.StateInProgress, types.StateCompleted:
		recipients = append(d.applicantOf(ctx, e.Project), d.coordinatorsFor(ctx, e.Project.AffectedMunicipalities)...)
	default:
		return
	}
	d.send(ctx, recipients, TemplateProjectStateChanged, payload)
}

func (d *Dispatcher) onProjectUpdated(ctx context.Context, e events.ProjectUpdated) {
	if !e.GeometryChanged() && !e.DatesChanged() {
		return
	}
	state := e.New.State
	if state != types.StateApproved && state != types.StateInProgress {
		return
	}
	recipients := d.coordinatorsFor(ctx, e.New.AffectedMunicipalities)
	d.send(ctx, recipients, TemplateProjectUpdated, projectPayload(e.New))

	// Footprint or window moved on a live project: derived conflict
	// state is stale until re-detected.
	if d.detector != nil {
		if _, err := d.detector.RunForProject(ctx, e.New.ID); err != nil {
			d.log.Warn("conflict re-detection after update failed",
				zap.String("project", e.New.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) onConflictsDetected(ctx context.Context, e events.ConflictsDetected) {
	payload := projectPayload(e.Project)
	payload["conflictCount"] = len(e.Conflicts)

	recipients := append(d.applicantOf(ctx, e.Project), d.coordinatorsFor(ctx, e.Project.AffectedMunicipalities)...)
	d.send(ctx, recipients, TemplateConflictsDetected, payload)

	// Each peer's applicant is notified with the peer as the subject
	// and the new project as the conflicting one.
	for _, peer := range e.Conflicts {
		peerPayload := projectPayload(peer)
		peerPayload["conflictingProject"] = e.Project.Name
		d.send(ctx, d.applicantOf(ctx, peer), TemplateConflictsDetected, peerPayload)
	}
}

func (d *Dispatcher) onCommentAdded(ctx context.Context, e events.CommentAdded) {
	payload := projectPayload(e.Project)
	payload["comment"] = e.Comment.Content

	recipients := append(d.applicantOf(ctx, e.Project), d.coordinatorsFor(ctx, e.Project.AffectedMunicipalities)...)
	// The author does not need an echo of their own comment.
	filtered := recipients[:0]
	for _, u := range recipients {
		if u.ID != e.Comment.AuthorID {
			filtered = append(filtered, u)
		}
	}
	d.send(ctx, filtered, TemplateCommentAdded, payload)
}

func (d *Dispatcher) onMoratoriumCreated(ctx context.Context, e events.MoratoriumCreated) {
	payload := map[string]interface{}{
		"moratoriumId":   e.Moratorium.ID,
		"moratoriumName": e.Moratorium.Name,
		"municipality":   e.Moratorium.MunicipalityCode,
		"validFrom":      e.Moratorium.ValidFrom.String(),
		"validTo":        e.Moratorium.ValidTo.String(),
	}
	code := []string{e.Moratorium.MunicipalityCode}
	recipients := append(d.usersInMunicipality(ctx, users.RoleMunicipalCoordinator, code),
		d.usersInMunicipality(ctx, users.RoleApplicant, code)...)
	d.send(ctx, recipients, TemplateMoratoriumCreated, payload)
}

func (d *Dispatcher) onUserRegistered(ctx context.Context, e events.UserRegistered) {
	admins, err := d.dir.FindUsersByRole(ctx, users.RoleRegionalAdmin, true)
	if err != nil {
		d.log.Warn("failed to resolve regional admins", zap.Error(err))
		return
	}
	payload := map[string]interface{}{
		"userId": e.User.ID,
		"email":  e.User.Email,
		"name":   e.User.Name,
	}
	d.send(ctx, admins, TemplateUserRegistered, payload)
}

func (d *Dispatcher) onDeadlineApproaching(ctx context.Context, e events.DeadlineApproaching) {
	payload := projectPayload(e.Project)
	payload["daysUntil"] = e.DaysUntil
	payload["deadlineKind"] = string(e.Kind)

	recipients := d.applicantOf(ctx, e.Project)
	if e.Project.State == types.StateApproved {
		recipients = append(recipients, d.coordinatorsFor(ctx, e.Project.AffectedMunicipalities)...)
	}
	d.send(ctx, recipients, TemplateDeadlineApproaching, payload)
}

// coordinatorsFor lists active coordinators whose territory intersects
// the municipality set.
func (d *Dispatcher) coordinatorsFor(ctx context.Context, municipalities []string) []*users.User {
	return d.usersInMunicipality(ctx, users.RoleMunicipalCoordinator, municipalities)
}

func (d *Dispatcher) usersInMunicipality(ctx context.Context, role users.Role, municipalities []string) []*users.User {
	if len(municipalities) == 0 {
		return nil
	}
	candidates, err := d.dir.FindUsersByRole(ctx, role, true)
	if err != nil {
		d.log.Warn("failed to resolve users by role",
			zap.String("role", string(role)),
			zap.Error(err))
		return nil
	}
	var matched []*users.User
	for _, u := range candidates {
		territories, err := d.dir.GetUserTerritories(ctx, u.ID)
		if err != nil {
			d.log.Warn("failed to resolve user territories",
				zap.String("user", u.ID),
				zap.Error(err))
			continue
		}
		if users.Intersects(territories, municipalities) {
			matched = append(matched, u)
		}
	}
	return matched
}

func (d *Dispatcher) applicantOf(ctx context.Context, p *types.Project) []*users.User {
	u, err := d.dir.FindUserByID(ctx, p.ApplicantID)
	if err != nil {
		d.log.Warn("failed to resolve applicant",
			zap.String("project", p.ID),
			zap.String("applicant", p.ApplicantID),
			zap.Error(err))
		return nil
	}
	return []*users.User{u}
}

// send deduplicates recipients by user id and enqueues one message per
// recipient. Enqueue failures are logged and counted only.
func (d *Dispatcher) send(ctx context.Context, recipients []*users.User, template string, payload map[string]interface{}) {
	seen := make(map[string]bool, len(recipients))
	for _, u := range recipients {
		if u == nil || seen[u.ID] || u.Email == "" {
			continue
		}
		seen[u.ID] = true
		err := d.queue.Enqueue(ctx, Message{
			RecipientEmail: u.Email,
			Template:       template,
			Payload:        payload,
		})
		if err != nil {
			metrics.NotificationsFailed.WithLabelValues(template).Inc()
			d.log.Warn("failed to enqueue notification",
				zap.String("template", template),
				zap.String("recipient", u.ID),
				zap.Error(err))
			continue
		}
		metrics.NotificationsEnqueued.WithLabelValues(template).Inc()
	}
}

func projectPayload(p *types.Project) map[string]interface{} {
	return map[string]interface{}{
		"projectId":   p.ID,
		"projectName": p.Name,
		"state":       string(p.State),
		"startDate":   p.StartDate.String(),
		"endDate":     p.EndDate.String(),
		"interval":    fmt.Sprintf("%s to %s", p.StartDate, p.EndDate),
	}
}
