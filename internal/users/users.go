// Package users defines the contract to the external user and territory
// service. Registration, credentials and territory assignment live
// outside this module; the dispatcher and controller only read.
package users

import "context"

// Role is the authorization role of a user.
type Role string

const (
	RoleApplicant            Role = "applicant"
	RoleMunicipalCoordinator Role = "municipal_coordinator"
	RoleRegionalAdmin        Role = "regional_admin"
)

// User is the projection of an account this module needs.
type User struct {
	ID     string
	Email  string
	Name   string
	Role   Role
	Active bool
}

// Directory is the read-only client to the external user/territory
// service. No joins across this boundary are assumed; callers combine
// results in memory.
type Directory interface {
	// FindUserByID returns the user or a not-found error.
	FindUserByID(ctx context.Context, id string) (*User, error)

	// FindUsersByRole lists users holding a role, optionally only
	// active accounts.
	FindUsersByRole(ctx context.Context, role Role, activeOnly bool) ([]*User, error)

	// GetUserTerritories returns the municipality codes assigned to a
	// user. Applicants typically have none.
	GetUserTerritories(ctx context.Context, userID string) ([]string, error)
}

// Intersects reports whether two municipality-code sets share a member.
func Intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, code := range a {
		set[code] = true
	}
	for _, code := range b {
		if set[code] {
			return true
		}
	}
	return false
}
