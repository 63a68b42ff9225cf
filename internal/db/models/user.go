// Package models - user.go defines the User model: the subject directory that API keys join
// against and that role assignment writes to.
package models

import "time"

// User is an authenticated subject belonging to exactly one organization.
type User struct {
	ID             string
	Email          string
	Name           string
	Role           string
	OrganizationID string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
