package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/types"
)

// projectColumns is the select list shared by every project query. The
// geometry column is always emitted as GeoJSON so round trips preserve
// the wire format.
const projectColumns = `id, name, applicant_id, contractor_organization, contractor_contact,
	state, start_date, end_date, ST_AsGeoJSON(geometry) AS geometry,
	work_type, work_category, description,
	has_conflict, conflicting_project_ids, affected_municipalities,
	created_at, updated_at`

// ProjectStore is the PostGIS-backed project repository.
type ProjectStore struct {
	db    *sql.DB
	audit *AuditLog
	log   *zap.Logger
}

// projectUpdateColumns maps patch keys to column names. "state" is
// handled separately because it walks the state machine.
var projectUpdateColumns = map[string]string{
	"name":                    "name",
	"contractor_organization": "contractor_organization",
	"contractor_contact":      "contractor_contact",
	"start_date":              "start_date",
	"end_date":                "end_date",
	"geometry":                "geometry",
	"work_type":               "work_type",
	"work_category":           "work_category",
	"description":             "description",
}

// Create persists a new project row.
func (s *ProjectStore) Create(ctx context.Context, p *types.Project) error {
	contact, err := marshalContact(p.ContractorContact)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, name, applicant_id, contractor_organization, contractor_contact,
			state, start_date, end_date, geometry,
			work_type, work_category, description,
			has_conflict, conflicting_project_ids, affected_municipalities,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			ST_SetSRID(ST_GeomFromGeoJSON($9), 4326),
			$10, $11, $12, $13, $14, $15, $16, $17)
	`,
		p.ID, p.Name, p.ApplicantID, nullString(p.ContractorOrganization), contact,
		string(p.State), p.StartDate, p.EndDate, p.Geometry.GeoJSON(),
		string(p.WorkType), string(p.WorkCategory), p.Description,
		p.HasConflict, pq.Array(emptyIfNil(p.ConflictingProjectIDs)), pq.Array(emptyIfNil(p.AffectedMunicipalities)),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetByID returns the project or a not-found error.
func (s *ProjectStore) GetByID(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// FindMany returns one page of projects matching the filter plus the
// total count, ordered by creation time descending.
func (s *ProjectStore) FindMany(ctx context.Context, filter types.ProjectFilter) (*types.ProjectPage, error) {
	page, limit := types.ClampPage(filter.Page, filter.Limit)

	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where = append(where, fmt.Sprintf("state = ANY(%s)", arg(pq.Array(states))))
	}
	if filter.MunicipalityCode != "" {
		where = append(where, fmt.Sprintf("%s = ANY(affected_municipalities)", arg(filter.MunicipalityCode)))
	}
	if len(filter.MunicipalityCodes) > 0 {
		where = append(where, fmt.Sprintf("affected_municipalities && %s", arg(pq.Array(filter.MunicipalityCodes))))
	}
	if !filter.DateFrom.IsZero() && !filter.DateTo.IsZero() {
		// Closed-interval overlap with [DateFrom, DateTo].
		where = append(where, fmt.Sprintf("start_date <= %s", arg(filter.DateTo)))
		where = append(where, fmt.Sprintf("end_date >= %s", arg(filter.DateFrom)))
	}
	if filter.WorkCategory != "" {
		where = append(where, fmt.Sprintf("work_category = %s", arg(string(filter.WorkCategory))))
	}
	if filter.HasConflict != nil {
		where = append(where, fmt.Sprintf("has_conflict = %s", arg(*filter.HasConflict)))
	}
	if filter.ApplicantID != "" {
		where = append(where, fmt.Sprintf("applicant_id = %s", arg(filter.ApplicantID)))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	// #nosec G201 -- whereSQL is assembled from fixed fragments with placeholders
	countQuery := "SELECT COUNT(*) FROM projects" + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}

	// #nosec G201 -- same fixed fragments
	pageQuery := fmt.Sprintf("SELECT %s FROM projects%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		projectColumns, whereSQL, arg(limit), arg((page-1)*limit))
	rows, err := s.db.QueryContext(ctx, pageQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	projects, err := scanProjects(rows)
	if err != nil {
		return nil, err
	}
	return &types.ProjectPage{Projects: projects, Total: total, Page: page, Limit: limit}, nil
}

// Update applies a partial attribute update. A "state" key walks the
// state machine and audits inside the same transaction as the column
// writes. Unknown keys are rejected.
func (s *ProjectStore) Update(ctx context.Context, id string, updates map[string]interface{}, actorID string) (*types.Project, error) {
	if len(updates) == 0 {
		return s.GetByID(ctx, id)
	}

	var newState *types.ProjectState
	for key := range updates {
		if key == "state" {
			continue
		}
		if _, ok := projectUpdateColumns[key]; !ok {
			return nil, apperr.InvalidInput(key, "unknown project field")
		}
	}
	if raw, ok := updates["state"]; ok {
		st, ok := raw.(types.ProjectState)
		if !ok {
			str, sok := raw.(string)
			if !sok {
				return nil, apperr.InvalidInput("state", "expected a state string")
			}
			st = types.ProjectState(str)
		}
		newState = &st
	}

	var updated *types.Project
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getProjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		var set []string
		var args []interface{}
		arg := func(v interface{}) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		for key, raw := range updates {
			if key == "state" {
				continue
			}
			col := projectUpdateColumns[key]
			value, err := bindProjectValue(key, raw)
			if err != nil {
				return err
			}
			if key == "geometry" {
				set = append(set, fmt.Sprintf("%s = ST_SetSRID(ST_GeomFromGeoJSON(%s), 4326)", col, arg(value)))
				continue
			}
			set = append(set, fmt.Sprintf("%s = %s", col, arg(value)))
		}

		if newState != nil {
			if err := types.ValidateTransition(current.State, *newState); err != nil {
				return err
			}
			set = append(set, fmt.Sprintf("state = %s", arg(string(*newState))))
		}
		set = append(set, fmt.Sprintf("updated_at = %s", arg(time.Now().UTC())))

		// #nosec G201 -- set fragments are fixed column expressions
		query := fmt.Sprintf("UPDATE projects SET %s WHERE id = %s", strings.Join(set, ", "), arg(id))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update project: %w", err)
		}

		if newState != nil {
			if err := s.audit.appendTx(ctx, tx, &types.AuditEntry{
				EntityID: id,
				ActorID:  actorID,
				Action:   types.ActionStateChanged,
				Before:   map[string]interface{}{"state": string(current.State)},
				After:    map[string]interface{}{"state": string(*newState)},
			}); err != nil {
				return err
			}
		}

		updated, err = getProjectTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ChangeState atomically validates the transition, writes the new state
// and appends the audit entry. A crash between the two writes is not
// observable because both happen in one transaction.
func (s *ProjectStore) ChangeState(ctx context.Context, id string, newState types.ProjectState, actorID string) (*types.Project, error) {
	var updated *types.Project
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		updated, err = changeStateTx(ctx, tx, s.audit, id, newState, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// changeStateTx is the transactional body of ChangeState, shared with
// Delete's cancellation path.
func changeStateTx(ctx context.Context, tx *sql.Tx, audit *AuditLog, id string, newState types.ProjectState, actorID string) (*types.Project, error) {
	current, err := getProjectForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateTransition(current.State, newState); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET state = $1, updated_at = $2 WHERE id = $3`,
		string(newState), time.Now().UTC(), id); err != nil {
		return nil, fmt.Errorf("failed to write state: %w", err)
	}
	if err := audit.appendTx(ctx, tx, &types.AuditEntry{
		EntityID: id,
		ActorID:  actorID,
		Action:   types.ActionStateChanged,
		Before:   map[string]interface{}{"state": string(current.State)},
		After:    map[string]interface{}{"state": string(newState)},
	}); err != nil {
		return nil, err
	}
	return getProjectTx(ctx, tx, id)
}

// Delete hard-deletes draft projects and cancels approved ones. States
// whose table row does not permit cancellation surface
// invalid-transition.
func (s *ProjectStore) Delete(ctx context.Context, id, actorID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getProjectForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.State == types.StateDraft {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}
			return s.audit.appendTx(ctx, tx, &types.AuditEntry{
				EntityID: id,
				ActorID:  actorID,
				Action:   types.ActionProjectDeleted,
				Before:   map[string]interface{}{"state": string(current.State)},
				After:    map[string]interface{}{},
			})
		}
		_, err = changeStateTx(ctx, tx, s.audit, id, types.StateCancelled, actorID)
		return err
	})
}

// UpdateConflictStatus overwrites the derived conflict fields.
func (s *ProjectStore) UpdateConflictStatus(ctx context.Context, id string, hasConflict bool, conflictingIDs []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET has_conflict = $1, conflicting_project_ids = $2, updated_at = $3
		WHERE id = $4
	`, hasConflict, pq.Array(emptyIfNil(conflictingIDs)), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update conflict status: %w", err)
	}
	return requireRow(res, "project", id)
}

// AddConflictPeer appends peerID to the project's conflict set under a
// row lock, deduplicating so concurrent detectors cannot double-append.
func (s *ProjectStore) AddConflictPeer(ctx context.Context, id, peerID string) error {
	if id == peerID {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var ids pq.StringArray
		err := tx.QueryRowContext(ctx,
			`SELECT conflicting_project_ids FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&ids)
		if err == sql.ErrNoRows {
			return apperr.NotFound("project", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock project: %w", err)
		}
		for _, existing := range ids {
			if existing == peerID {
				return nil
			}
		}
		ids = append(ids, peerID)
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects
			SET conflicting_project_ids = $1, has_conflict = TRUE, updated_at = $2
			WHERE id = $3
		`, ids, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to append conflict peer: %w", err)
		}
		return nil
	})
}

// UpdateAffectedMunicipalities overwrites the derived municipality set.
func (s *ProjectStore) UpdateAffectedMunicipalities(ctx context.Context, id string, codes []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET affected_municipalities = $1, updated_at = $2 WHERE id = $3
	`, pq.Array(emptyIfNil(codes)), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update affected municipalities: %w", err)
	}
	return requireRow(res, "project", id)
}

// FindSpatiallyIntersecting returns projects in the given states whose
// geometry lies within bufferMeters of g, metric on the geography cast.
func (s *ProjectStore) FindSpatiallyIntersecting(ctx context.Context, g geo.Geometry, bufferMeters float64, states []types.ProjectState, excludeID string) ([]*types.Project, error) {
	stateStrings := make([]string, len(states))
	for i, st := range states {
		stateStrings[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE state = ANY($1)
		  AND id != $2
		  AND ST_DWithin(geometry::geography, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326)::geography, $4)
		ORDER BY created_at DESC
	`, pq.Array(stateStrings), excludeID, g.GeoJSON(), bufferMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to query spatial candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanProjects(rows)
}

// FindTemporallyOverlapping returns projects whose closed interval
// overlaps [start, end].
func (s *ProjectStore) FindTemporallyOverlapping(ctx context.Context, start, end dates.Date, excludeID string) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE start_date <= $1 AND end_date >= $2 AND id != $3
		ORDER BY created_at DESC
	`, end, start, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query temporal candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanProjects(rows)
}

// FindByStartDate returns projects in state starting exactly on d.
func (s *ProjectStore) FindByStartDate(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error) {
	return s.findByDateColumn(ctx, state, "start_date = $2", d)
}

// FindByEndDate returns projects in state ending exactly on d.
func (s *ProjectStore) FindByEndDate(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error) {
	return s.findByDateColumn(ctx, state, "end_date = $2", d)
}

// FindOverdueStart returns projects in state with start_date before d.
func (s *ProjectStore) FindOverdueStart(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error) {
	return s.findByDateColumn(ctx, state, "start_date < $2", d)
}

// FindOverdueEnd returns projects in state with end_date before d.
func (s *ProjectStore) FindOverdueEnd(ctx context.Context, state types.ProjectState, d dates.Date) ([]*types.Project, error) {
	return s.findByDateColumn(ctx, state, "end_date < $2", d)
}

func (s *ProjectStore) findByDateColumn(ctx context.Context, state types.ProjectState, predicate string, d dates.Date) ([]*types.Project, error) {
	// #nosec G201 -- predicate is one of four fixed fragments
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE state = $1 AND %s ORDER BY created_at DESC`,
		projectColumns, predicate)
	rows, err := s.db.QueryContext(ctx, query, string(state), d)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects by date: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanProjects(rows)
}

// Statistics counts projects per state and with conflicts in one scan.
func (s *ProjectStore) Statistics(ctx context.Context) (*types.ProjectStatistics, error) {
	stats := &types.ProjectStatistics{ByState: make(map[types.ProjectState]int)}
	var (
		draft, planning, pending, approved int
		inProgress, completed              int
		rejected, cancelled, conflicts     int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'draft' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'forward_planning' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'pending_approval' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN has_conflict THEN 1 ELSE 0 END), 0)
		FROM projects
	`).Scan(&stats.Total, &draft, &planning, &pending, &approved,
		&inProgress, &completed, &rejected, &cancelled, &conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to get project statistics: %w", err)
	}
	stats.ByState[types.StateDraft] = draft
	stats.ByState[types.StateForwardPlanning] = planning
	stats.ByState[types.StatePendingApproval] = pending
	stats.ByState[types.StateApproved] = approved
	stats.ByState[types.StateInProgress] = inProgress
	stats.ByState[types.StateCompleted] = completed
	stats.ByState[types.StateRejected] = rejected
	stats.ByState[types.StateCancelled] = cancelled
	stats.WithConflict = conflicts
	return stats, nil
}

// getProjectForUpdate loads a project row under FOR UPDATE. Only the
// columns transition validation needs are read; the geometry stays in
// the database.
func getProjectForUpdate(ctx context.Context, tx *sql.Tx, id string) (*types.Project, error) {
	var p types.Project
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT id, state FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&p.ID, &state)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}
	p.State = types.ProjectState(state)
	return &p, nil
}

// getProjectTx reads the full row inside a transaction.
func getProjectTx(ctx context.Context, tx *sql.Tx, id string) (*types.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reload project: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var (
		p            types.Project
		state        string
		workType     string
		workCategory string
		contractor   sql.NullString
		contact      []byte
		geomJSON     string
		conflictIDs  pq.StringArray
		munis        pq.StringArray
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.ApplicantID, &contractor, &contact,
		&state, &p.StartDate, &p.EndDate, &geomJSON,
		&workType, &workCategory, &p.Description,
		&p.HasConflict, &conflictIDs, &munis,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = types.ProjectState(state)
	p.WorkType = types.WorkType(workType)
	p.WorkCategory = types.WorkCategory(workCategory)
	if contractor.Valid {
		p.ContractorOrganization = contractor.String
	}
	if len(contact) > 0 {
		var cc types.ContractorContact
		if err := json.Unmarshal(contact, &cc); err != nil {
			return nil, fmt.Errorf("failed to decode contractor contact: %w", err)
		}
		p.ContractorContact = &cc
	}
	g, err := geo.Parse([]byte(geomJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored geometry: %w", err)
	}
	p.Geometry = g
	p.ConflictingProjectIDs = []string(conflictIDs)
	p.AffectedMunicipalities = []string(munis)
	return &p, nil
}

func scanProjects(rows *sql.Rows) ([]*types.Project, error) {
	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// bindProjectValue converts a patch value into its SQL binding,
// validating the dynamic type per field.
func bindProjectValue(key string, raw interface{}) (interface{}, error) {
	switch key {
	case "start_date", "end_date":
		d, ok := raw.(dates.Date)
		if !ok {
			return nil, apperr.InvalidInput(key, "expected a date")
		}
		return d, nil
	case "geometry":
		g, ok := raw.(geo.Geometry)
		if !ok {
			return nil, apperr.InvalidInput(key, "expected a geometry")
		}
		return g.GeoJSON(), nil
	case "contractor_contact":
		switch v := raw.(type) {
		case nil:
			return nil, nil
		case *types.ContractorContact:
			return marshalContact(v)
		default:
			return nil, apperr.InvalidInput(key, "expected a contractor contact")
		}
	case "work_type":
		if v, ok := raw.(types.WorkType); ok {
			return string(v), nil
		}
	case "work_category":
		if v, ok := raw.(types.WorkCategory); ok {
			return string(v), nil
		}
	}
	if v, ok := raw.(string); ok {
		return v, nil
	}
	return nil, apperr.InvalidInput(key, "expected a string")
}

func marshalContact(c *types.ContractorContact) (interface{}, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode contractor contact: %w", err)
	}
	return b, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
