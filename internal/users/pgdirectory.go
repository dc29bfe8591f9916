package users

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digcoord/digcoord/internal/apperr"
)

// PGDirectory reads the user and territory tables maintained by the
// external account service. This module never writes them; the schema
// (users, user_territories) is owned across the service boundary.
type PGDirectory struct {
	db *sql.DB
}

// NewPGDirectory wraps a connection pool.
func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

// FindUserByID returns the user or a not-found error.
func (d *PGDirectory) FindUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, active FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, (*string)(&u.Role), &u.Active)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// FindUsersByRole lists users holding a role.
func (d *PGDirectory) FindUsersByRole(ctx context.Context, role Role, activeOnly bool) ([]*User, error) {
	query := `SELECT id, email, name, role, active FROM users WHERE role = $1`
	if activeOnly {
		query += ` AND active`
	}
	rows, err := d.db.QueryContext(ctx, query, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query users by role: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, (*string)(&u.Role), &u.Active); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return out, nil
}

// GetUserTerritories returns the municipality codes assigned to a user.
func (d *PGDirectory) GetUserTerritories(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT municipality_code FROM user_territories WHERE user_id = $1 ORDER BY municipality_code
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query territories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan territory: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating territories: %w", err)
	}
	return codes, nil
}
