package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/types"
)

const testPoint = `{"type":"Point","coordinates":[14.4378,50.0755]}`

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil), mock
}

func projectColumnsList() []string {
	return []string{
		"id", "name", "applicant_id", "contractor_organization", "contractor_contact",
		"state", "start_date", "end_date", "geometry",
		"work_type", "work_category", "description",
		"has_conflict", "conflicting_project_ids", "affected_municipalities",
		"created_at", "updated_at",
	}
}

func projectRow(id string, state types.ProjectState) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(projectColumnsList()).AddRow(
		id, "Vodovod Krymská", "a0000000-0000-0000-0000-000000000001", nil, nil,
		string(state), time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), testPoint,
		"water_supply", "planned", "",
		false, "{}", "{}",
		now, now,
	)
}

func TestChangeStateWritesAuditInSameTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p0000000-0000-0000-0000-000000000001"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "draft"))
	mock.ExpectExec(`UPDATE projects SET state = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("pending_approval", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(id, "actor-1", types.ActionStateChanged,
			[]byte(`{"state":"draft"}`), []byte(`{"state":"pending_approval"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id, name, applicant_id`).
		WithArgs(id).
		WillReturnRows(projectRow(id, types.StatePendingApproval))
	mock.ExpectCommit()

	p, err := store.Projects().ChangeState(context.Background(), id, types.StatePendingApproval, "actor-1")
	if err != nil {
		t.Fatalf("ChangeState failed: %v", err)
	}
	if p.State != types.StatePendingApproval {
		t.Errorf("state = %s, want pending_approval", p.State)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChangeStateRejectsIllegalTransitionAndRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p0000000-0000-0000-0000-000000000002"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "draft"))
	mock.ExpectRollback()

	_, err := store.Projects().ChangeState(context.Background(), id, types.StateCompleted, "actor-1")
	if err == nil {
		t.Fatal("illegal transition accepted")
	}
	if !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("kind = %v, want invalid-transition", apperr.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChangeStateNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := "missing"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}))
	mock.ExpectRollback()

	_, err := store.Projects().ChangeState(context.Background(), id, types.StatePendingApproval, "actor-1")
	if !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestDeleteDraftHardDeletes(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p0000000-0000-0000-0000-000000000003"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "draft"))
	mock.ExpectExec(`DELETE FROM projects WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(id, "actor-1", types.ActionProjectDeleted,
			[]byte(`{"state":"draft"}`), []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Projects().Delete(context.Background(), id, "actor-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteApprovedCancels(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p0000000-0000-0000-0000-000000000004"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "approved"))
	// Cancellation path re-locks the row before the transition.
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "approved"))
	mock.ExpectExec(`UPDATE projects SET state = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("cancelled", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WithArgs(id, "actor-1", types.ActionStateChanged,
			[]byte(`{"state":"approved"}`), []byte(`{"state":"cancelled"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id, name, applicant_id`).
		WithArgs(id).
		WillReturnRows(projectRow(id, types.StateCancelled))
	mock.ExpectCommit()

	if err := store.Projects().Delete(context.Background(), id, "actor-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteInProgressFailsWithInvalidTransition(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p0000000-0000-0000-0000-000000000005"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "in_progress"))
	mock.ExpectQuery(`SELECT id, state FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state"}).AddRow(id, "in_progress"))
	mock.ExpectRollback()

	err := store.Projects().Delete(context.Background(), id, "actor-1")
	if !apperr.IsKind(err, apperr.KindInvalidTransition) {
		t.Errorf("err = %v, want invalid-transition", err)
	}
}

func TestAddConflictPeerDeduplicates(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p-subject"
	peer := "p-peer"

	// Peer already present: no update issued.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT conflicting_project_ids FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"conflicting_project_ids"}).AddRow(`{p-peer}`))
	mock.ExpectCommit()

	if err := store.Projects().AddConflictPeer(context.Background(), id, peer); err != nil {
		t.Fatalf("AddConflictPeer failed: %v", err)
	}

	// Peer absent: appended under the row lock.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT conflicting_project_ids FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"conflicting_project_ids"}).AddRow(`{}`))
	mock.ExpectExec(`UPDATE projects`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Projects().AddConflictPeer(context.Background(), id, peer); err != nil {
		t.Fatalf("AddConflictPeer failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAddConflictPeerIgnoresSelfReference(t *testing.T) {
	store, mock := newMockStore(t)
	if err := store.Projects().AddConflictPeer(context.Background(), "same", "same"); err != nil {
		t.Fatalf("self reference errored: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("self reference touched the database: %v", err)
	}
}

func TestUpdateRejectsUnknownKeys(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.Projects().Update(context.Background(), "p1", map[string]interface{}{"priority": 3}, "actor")
	if !apperr.IsKind(err, apperr.KindInvalidInput) {
		t.Errorf("err = %v, want invalid-input", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unknown key reached the database: %v", err)
	}
}

func TestFindManyClampsLimitAndCounts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM projects WHERE state = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectQuery(`FROM projects WHERE state = ANY\(\$1\) ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(sqlmock.AnyArg(), 100, 0).
		WillReturnRows(projectRow("p1", types.StateApproved))

	page, err := store.Projects().FindMany(context.Background(), types.ProjectFilter{
		States: []types.ProjectState{types.StateApproved},
		Page:   1,
		Limit:  5000, // clamped to 100
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if page.Total != 42 {
		t.Errorf("Total = %d, want 42", page.Total)
	}
	if page.Limit != types.MaxPageLimit {
		t.Errorf("Limit = %d, want %d", page.Limit, types.MaxPageLimit)
	}
	if len(page.Projects) != 1 {
		t.Errorf("len(Projects) = %d, want 1", len(page.Projects))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFindSpatiallyIntersectingBindsBuffer(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ST_DWithin\(geometry::geography, ST_SetSRID\(ST_GeomFromGeoJSON\(\$3\), 4326\)::geography, \$4\)`).
		WithArgs(sqlmock.AnyArg(), "exclude-me", testPoint, 20.0).
		WillReturnRows(projectRow("p-near", types.StateApproved))

	got, err := store.Projects().FindSpatiallyIntersecting(context.Background(),
		mustGeom(t, testPoint), 20, types.ConflictRelevantStates, "exclude-me")
	if err != nil {
		t.Fatalf("FindSpatiallyIntersecting failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p-near" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestGetByIDRoundTripsGeometry(t *testing.T) {
	store, mock := newMockStore(t)
	id := "p-geo"

	mock.ExpectQuery(`SELECT id, name, applicant_id`).
		WithArgs(id).
		WillReturnRows(projectRow(id, types.StateDraft))

	p, err := store.Projects().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if p.Geometry.GeoJSON() != testPoint {
		t.Errorf("geometry = %s, want stored GeoJSON verbatim", p.Geometry.GeoJSON())
	}
	if p.StartDate.String() != "2024-01-15" || p.EndDate.String() != "2024-02-15" {
		t.Errorf("dates = %s..%s, want 2024-01-15..2024-02-15", p.StartDate, p.EndDate)
	}
}

func TestFindByStartDateFiltersState(t *testing.T) {
	store, mock := newMockStore(t)
	d, _ := dates.Parse("2024-03-01")

	mock.ExpectQuery(`WHERE state = \$1 AND start_date = \$2`).
		WithArgs("approved", sqlmock.AnyArg()).
		WillReturnRows(projectRow("p-start", types.StateApproved))

	got, err := store.Projects().FindByStartDate(context.Background(), types.StateApproved, d)
	if err != nil {
		t.Fatalf("FindByStartDate failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}
