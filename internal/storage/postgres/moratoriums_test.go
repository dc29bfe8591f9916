package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/storage"
	"github.com/digcoord/digcoord/internal/types"
)

func mustGeom(t *testing.T, doc string) geo.Geometry {
	t.Helper()
	g, err := geo.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("geo.Parse failed: %v", err)
	}
	return g
}

func mustDate(t *testing.T, s string) dates.Date {
	t.Helper()
	d, err := dates.Parse(s)
	if err != nil {
		t.Fatalf("dates.Parse failed: %v", err)
	}
	return d
}

func moratoriumColumnsList() []string {
	return []string{
		"id", "name", "geometry", "reason", "reason_detail",
		"valid_from", "valid_to", "exceptions", "created_by", "municipality_code", "created_at",
	}
}

func moratoriumRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(moratoriumColumnsList()).AddRow(
		id, "Rekonstrukce povrchu", testPoint, "resurfacing", "Fresh asphalt protection",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		nil, "c0000000-0000-0000-0000-000000000001", "554782", time.Now().UTC(),
	)
}

func TestMoratoriumCreateEnforcesDurationBound(t *testing.T) {
	store, mock := newMockStore(t)
	m := &types.Moratorium{
		ID:               "m1",
		Name:             "Too long",
		Geometry:         mustGeom(t, testPoint),
		Reason:           "resurfacing",
		ValidFrom:        mustDate(t, "2024-01-01"),
		ValidTo:          mustDate(t, "2030-01-01"),
		CreatedBy:        "c1",
		MunicipalityCode: "554782",
		CreatedAt:        time.Now().UTC(),
	}
	err := store.Moratoriums().Create(context.Background(), m)
	if !apperr.IsKind(err, apperr.KindDurationExceeded) {
		t.Fatalf("err = %v, want duration-exceeded", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("over-long moratorium reached the database: %v", err)
	}

	// Exactly five years is accepted and inserted.
	m.ValidTo = mustDate(t, "2029-01-01")
	mock.ExpectExec(`INSERT INTO moratoriums`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Moratoriums().Create(context.Background(), m); err != nil {
		t.Fatalf("five-year moratorium rejected: %v", err)
	}
}

func TestCheckViolationsUsesCanonicalOverlap(t *testing.T) {
	store, mock := newMockStore(t)
	start := mustDate(t, "2024-06-01")
	end := mustDate(t, "2024-06-30")

	// valid_from <= project.end AND valid_to >= project.start
	mock.ExpectQuery(`WHERE valid_from <= \$1 AND valid_to >= \$2\s+AND ST_Intersects`).
		WithArgs(end, start, testPoint).
		WillReturnRows(moratoriumRow("m1"))

	got, err := store.Moratoriums().CheckViolations(context.Background(), mustGeom(t, testPoint), start, end)
	if err != nil {
		t.Fatalf("CheckViolations failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("unexpected violations: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMoratoriumUpdateRejectsUnknownKeys(t *testing.T) {
	store, mock := newMockStore(t)
	_, err := store.Moratoriums().Update(context.Background(), "m1", map[string]interface{}{"color": "red"})
	if !apperr.IsKind(err, apperr.KindInvalidInput) {
		t.Errorf("err = %v, want invalid-input", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unknown key reached the database: %v", err)
	}
}

func TestMoratoriumUpdateRevalidatesDurationOnDateChange(t *testing.T) {
	store, mock := newMockStore(t)
	id := "m2"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, valid_from, valid_to FROM moratoriums WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "valid_from", "valid_to"}).
			AddRow(id, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)))
	mock.ExpectRollback()

	_, err := store.Moratoriums().Update(context.Background(), id, map[string]interface{}{
		"valid_to": mustDate(t, "2031-06-01"),
	})
	if !apperr.IsKind(err, apperr.KindDurationExceeded) {
		t.Errorf("err = %v, want duration-exceeded", err)
	}
}

func TestMoratoriumDeleteReportsMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM moratoriums WHERE id = \$1`).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Moratoriums().Delete(context.Background(), "gone")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok {
		t.Error("Delete reported true for missing row")
	}
}

func TestFindActiveIntersectingBindsAsOfDate(t *testing.T) {
	store, mock := newMockStore(t)
	asOf := mustDate(t, "2024-06-15")

	mock.ExpectQuery(`WHERE valid_from <= \$1 AND valid_to >= \$1`).
		WithArgs(asOf, testPoint).
		WillReturnRows(moratoriumRow("m3"))

	got, err := store.Moratoriums().FindActiveIntersecting(context.Background(), mustGeom(t, testPoint), asOf)
	if err != nil {
		t.Fatalf("FindActiveIntersecting failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestMunicipalitiesDegradeWhenTableMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT code FROM municipalities`).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "municipalities" does not exist`})

	_, err := store.Municipalities().CodesIntersecting(context.Background(), mustGeom(t, testPoint))
	if !errors.Is(err, storage.ErrMunicipalitiesUnavailable) {
		t.Errorf("err = %v, want ErrMunicipalitiesUnavailable", err)
	}
}

func TestMunicipalitiesReturnsCodes(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT code FROM municipalities`).
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("554782").AddRow("539911"))

	codes, err := store.Municipalities().CodesIntersecting(context.Background(), mustGeom(t, testPoint))
	if err != nil {
		t.Fatalf("CodesIntersecting failed: %v", err)
	}
	if len(codes) != 2 || codes[0] != "554782" || codes[1] != "539911" {
		t.Errorf("codes = %v", codes)
	}
}

func TestAddCommentVerifiesProjectExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM projects WHERE id = \$1\)`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Projects().AddComment(context.Background(), &types.Comment{
		ID: "c1", ProjectID: "missing", AuthorID: "u1", Content: "hello",
	})
	if !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}
