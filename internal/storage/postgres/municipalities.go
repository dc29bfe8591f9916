package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/geo"
	"github.com/digcoord/digcoord/internal/storage"
)

// MunicipalityStore resolves affected municipalities from the optional
// municipalities table. A missing table is reported once and surfaced as
// storage.ErrMunicipalitiesUnavailable so callers can degrade.
type MunicipalityStore struct {
	db       *sql.DB
	log      *zap.Logger
	warnOnce sync.Once
}

// CodesIntersecting returns the codes of municipalities whose boundary
// intersects g.
func (s *MunicipalityStore) CodesIntersecting(ctx context.Context, g geo.Geometry) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code FROM municipalities
		WHERE ST_Intersects(geometry, ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))
		ORDER BY code
	`, g.GeoJSON())
	if err != nil {
		if isUndefinedTable(err) {
			s.warnOnce.Do(func() {
				s.log.Warn("municipalities table missing; affected-municipality detection disabled")
			})
			return nil, storage.ErrMunicipalitiesUnavailable
		}
		return nil, fmt.Errorf("failed to query municipalities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan municipality code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating municipalities: %w", err)
	}
	return codes, nil
}
