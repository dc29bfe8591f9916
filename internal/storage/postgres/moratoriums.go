package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/apperr"
	"github.com/digcoord/digcoord/internal/dates"
	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/types"
	"github.com/digcoord/digcoord/internal/validation"
)

const moratoriumColumns = `id, name, ST_AsGeoJSON(geometry) AS geometry, reason, reason_detail,
	valid_from, valid_to, exceptions, created_by, municipality_code, created_at`

// MoratoriumStore is the PostGIS-backed moratorium repository.
type MoratoriumStore struct {
	db  *sql.DB
	log *zap.Logger
}

var moratoriumUpdateColumns = map[string]string{
	"name":              "name",
	"geometry":          "geometry",
	"reason":            "reason",
	"reason_detail":     "reason_detail",
	"valid_from":        "valid_from",
	"valid_to":          "valid_to",
	"exceptions":        "exceptions",
	"municipality_code": "municipality_code",
}

// Create persists a new moratorium, re-checking the duration invariant.
func (s *MoratoriumStore) Create(ctx context.Context, m *types.Moratorium) error {
	if err := validation.Chain(
		validation.DateOrder(m.ValidFrom, m.ValidTo),
		validation.MoratoriumDuration(m.ValidFrom, m.ValidTo),
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moratoriums (
			id, name, geometry, reason, reason_detail,
			valid_from, valid_to, exceptions, created_by, municipality_code, created_at
		) VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326), $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		m.ID, m.Name, m.Geometry.GeoJSON(), m.Reason, m.ReasonDetail,
		m.ValidFrom, m.ValidTo, nullString(m.Exceptions), m.CreatedBy, m.MunicipalityCode, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert moratorium: %w", err)
	}
	return nil
}

// GetByID returns the moratorium or a not-found error.
func (s *MoratoriumStore) GetByID(ctx context.Context, id string) (*types.Moratorium, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moratoriumColumns+` FROM moratoriums WHERE id = $1`, id)
	m, err := scanMoratorium(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("moratorium", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get moratorium: %w", err)
	}
	return m, nil
}

// FindMany returns one page ordered by creation time descending.
func (s *MoratoriumStore) FindMany(ctx context.Context, filter types.MoratoriumFilter) (*types.MoratoriumPage, error) {
	page, limit := types.ClampPage(filter.Page, filter.Limit)

	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.MunicipalityCode != "" {
		where = append(where, fmt.Sprintf("municipality_code = %s", arg(filter.MunicipalityCode)))
	}
	if len(filter.MunicipalityCodes) > 0 {
		where = append(where, fmt.Sprintf("municipality_code = ANY(%s)", arg(pq.Array(filter.MunicipalityCodes))))
	}
	if !filter.ActiveOn.IsZero() {
		where = append(where, fmt.Sprintf("valid_from <= %[1]s AND valid_to >= %[1]s", arg(filter.ActiveOn)))
	}
	if !filter.OverlapFrom.IsZero() && !filter.OverlapTo.IsZero() {
		where = append(where, fmt.Sprintf("valid_from <= %s", arg(filter.OverlapTo)))
		where = append(where, fmt.Sprintf("valid_to >= %s", arg(filter.OverlapFrom)))
	}
	if filter.CreatedBy != "" {
		where = append(where, fmt.Sprintf("created_by = %s", arg(filter.CreatedBy)))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	// #nosec G201 -- fixed fragments with placeholders
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM moratoriums"+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count moratoriums: %w", err)
	}

	// #nosec G201 -- fixed fragments with placeholders
	query := fmt.Sprintf("SELECT %s FROM moratoriums%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		moratoriumColumns, whereSQL, arg(limit), arg((page-1)*limit))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query moratoriums: %w", err)
	}
	defer func() { _ = rows.Close() }()

	moratoriums, err := scanMoratoriums(rows)
	if err != nil {
		return nil, err
	}
	return &types.MoratoriumPage{Moratoriums: moratoriums, Total: total, Page: page, Limit: limit}, nil
}

// Update applies a dynamic partial update. Unknown keys are rejected and
// the duration invariant is re-validated whenever either date changes.
func (s *MoratoriumStore) Update(ctx context.Context, id string, updates map[string]interface{}) (*types.Moratorium, error) {
	if len(updates) == 0 {
		return s.GetByID(ctx, id)
	}
	for key := range updates {
		if _, ok := moratoriumUpdateColumns[key]; !ok {
			return nil, apperr.InvalidInput(key, "unknown moratorium field")
		}
	}

	var updated *types.Moratorium
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getMoratoriumForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		// Re-validate the duration bound against the post-update interval.
		from, to := current.ValidFrom, current.ValidTo
		datesChanged := false
		if raw, ok := updates["valid_from"]; ok {
			d, ok := raw.(dates.Date)
			if !ok {
				return apperr.InvalidInput("valid_from", "expected a date")
			}
			from, datesChanged = d, true
		}
		if raw, ok := updates["valid_to"]; ok {
			d, ok := raw.(dates.Date)
			if !ok {
				return apperr.InvalidInput("valid_to", "expected a date")
			}
			to, datesChanged = d, true
		}
		if datesChanged {
			if err := validation.Chain(
				validation.DateOrder(from, to),
				validation.MoratoriumDuration(from, to),
			); err != nil {
				return err
			}
		}

		var set []string
		var args []interface{}
		arg := func(v interface{}) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}
		for key, raw := range updates {
			col := moratoriumUpdateColumns[key]
			value, err := bindMoratoriumValue(key, raw)
			if err != nil {
				return err
			}
			if key == "geometry" {
				set = append(set, fmt.Sprintf("%s = ST_SetSRID(ST_GeomFromGeoJSON(%s), 4326)", col, arg(value)))
				continue
			}
			set = append(set, fmt.Sprintf("%s = %s", col, arg(value)))
		}

		// #nosec G201 -- set fragments are fixed column expressions
		query := fmt.Sprintf("UPDATE moratoriums SET %s WHERE id = %s", strings.Join(set, ", "), arg(id))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update moratorium: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+moratoriumColumns+` FROM moratoriums WHERE id = $1`, id)
		updated, err = scanMoratorium(row)
		if err != nil {
			return fmt.Errorf("failed to reload moratorium: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete hard-deletes the row; false when it did not exist.
func (s *MoratoriumStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM moratoriums WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete moratorium: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// FindActiveIntersecting returns moratoriums in force on asOf whose
// geometry intersects g.
func (s *MoratoriumStore) FindActiveIntersecting(ctx context.Context, g geo.Geometry, asOf dates.Date) ([]*types.Moratorium, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+moratoriumColumns+`
		FROM moratoriums
		WHERE valid_from <= $1 AND valid_to >= $1
		  AND ST_Intersects(geometry, ST_SetSRID(ST_GeomFromGeoJSON($2), 4326))
		ORDER BY created_at DESC
	`, asOf, g.GeoJSON())
	if err != nil {
		return nil, fmt.Errorf("failed to query active moratoriums: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMoratoriums(rows)
}

// CheckViolations returns moratoriums whose validity overlaps the closed
// interval [start, end] and whose geometry intersects g.
func (s *MoratoriumStore) CheckViolations(ctx context.Context, g geo.Geometry, start, end dates.Date) ([]*types.Moratorium, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+moratoriumColumns+`
		FROM moratoriums
		WHERE valid_from <= $1 AND valid_to >= $2
		  AND ST_Intersects(geometry, ST_SetSRID(ST_GeomFromGeoJSON($3), 4326))
		ORDER BY created_at DESC
	`, end, start, g.GeoJSON())
	if err != nil {
		return nil, fmt.Errorf("failed to check moratorium violations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMoratoriums(rows)
}

// FindActiveInArea expands the query geometry by a metric buffer before
// the intersection test.
func (s *MoratoriumStore) FindActiveInArea(ctx context.Context, g geo.Geometry, bufferMeters float64, asOf dates.Date) ([]*types.Moratorium, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+moratoriumColumns+`
		FROM moratoriums
		WHERE valid_from <= $1 AND valid_to >= $1
		  AND ST_DWithin(geometry::geography, ST_SetSRID(ST_GeomFromGeoJSON($2), 4326)::geography, $3)
		ORDER BY created_at DESC
	`, asOf, g.GeoJSON(), bufferMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to query moratoriums in area: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMoratoriums(rows)
}

// FindExpiringSoon returns moratoriums whose validity ends within the
// next days days.
func (s *MoratoriumStore) FindExpiringSoon(ctx context.Context, today dates.Date, days int, municipalityCodes []string) ([]*types.Moratorium, error) {
	until := today.AddDays(days)
	var rows *sql.Rows
	var err error
	if len(municipalityCodes) > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+moratoriumColumns+`
			FROM moratoriums
			WHERE valid_to >= $1 AND valid_to <= $2 AND municipality_code = ANY($3)
			ORDER BY valid_to ASC
		`, today, until, pq.Array(municipalityCodes))
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+moratoriumColumns+`
			FROM moratoriums
			WHERE valid_to >= $1 AND valid_to <= $2
			ORDER BY valid_to ASC
		`, today, until)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring moratoriums: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMoratoriums(rows)
}

// Statistics summarizes one municipality's moratoriums in one scan. The
// summed area is metric via the geography cast.
func (s *MoratoriumStore) Statistics(ctx context.Context, municipalityCode string, today dates.Date) (*types.MoratoriumStatistics, error) {
	soon := today.AddDays(30)
	var stats types.MoratoriumStatistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN valid_from <= $2 AND valid_to >= $2 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN valid_to >= $2 AND valid_to <= $3 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN valid_from <= $2 AND valid_to >= $2 THEN ST_Area(geometry::geography) ELSE 0 END), 0)
		FROM moratoriums
		WHERE municipality_code = $1
	`, municipalityCode, today, soon).Scan(&stats.Total, &stats.Active, &stats.ExpiringSoon, &stats.TotalAreaM2)
	if err != nil {
		return nil, fmt.Errorf("failed to get moratorium statistics: %w", err)
	}
	return &stats, nil
}

func getMoratoriumForUpdate(ctx context.Context, tx *sql.Tx, id string) (*types.Moratorium, error) {
	var m types.Moratorium
	err := tx.QueryRowContext(ctx,
		`SELECT id, valid_from, valid_to FROM moratoriums WHERE id = $1 FOR UPDATE`, id).
		Scan(&m.ID, &m.ValidFrom, &m.ValidTo)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("moratorium", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock moratorium: %w", err)
	}
	return &m, nil
}

func scanMoratorium(row rowScanner) (*types.Moratorium, error) {
	var (
		m          types.Moratorium
		geomJSON   string
		exceptions sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.Name, &geomJSON, &m.Reason, &m.ReasonDetail,
		&m.ValidFrom, &m.ValidTo, &exceptions, &m.CreatedBy, &m.MunicipalityCode, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exceptions.Valid {
		m.Exceptions = exceptions.String
	}
	g, err := geo.Parse([]byte(geomJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored geometry: %w", err)
	}
	m.Geometry = g
	return &m, nil
}

func scanMoratoriums(rows *sql.Rows) ([]*types.Moratorium, error) {
	var moratoriums []*types.Moratorium
	for rows.Next() {
		m, err := scanMoratorium(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan moratorium: %w", err)
		}
		moratoriums = append(moratoriums, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating moratoriums: %w", err)
	}
	return moratoriums, nil
}

func bindMoratoriumValue(key string, raw interface{}) (interface{}, error) {
	switch key {
	case "valid_from", "valid_to":
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
	}
	if v, ok := raw.(string); ok {
		return v, nil
	}
	return nil, apperr.InvalidInput(key, "expected a string")
}
