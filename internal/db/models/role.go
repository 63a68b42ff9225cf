// Package models - role.go defines the Role model (a named, ordered permission set) and the
// baseline system roles that are reconciled on every startup.
package models

import (
	"time"
)

// System role names. These roles always exist with at least their baseline permissions.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleAnalyst   = "analyst"
	RoleViewer    = "viewer"
)

// Role is a named bundle of permissions. Permission order is significant.
type Role struct {
	ID             string       `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	Description    *string      `db:"description" json:"description,omitempty"`
	Permissions    []Permission `db:"-" json:"permissions"`
	IsSystem       bool         `db:"is_system" json:"is_system"`
	OrganizationID *string      `db:"organization_id" json:"organization_id,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// IsSystemRoleName reports whether name is reserved for a system role.
func IsSystemRoleName(name string) bool {
	switch name {
	case RoleAdmin, RoleDeveloper, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// SystemRoles returns the baseline system roles with their permission sets in declaration order.
func SystemRoles() []Role {
	adminDesc := "Full access to every resource and action"
	developerDesc := "Builds and runs workflows; edits and deletes only their own"
	analystDesc := "Reads workflows and executions, owns reports"
	viewerDesc := "Read-only access to workflows, executions, and reports"

	return []Role{
		{
			Name:        RoleAdmin,
			Description: &adminDesc,
			Permissions: []Permission{
				{Resource: Wildcard, Action: Wildcard},
			},
			IsSystem: true,
		},
		{
			Name:        RoleDeveloper,
			Description: &developerDesc,
			Permissions: []Permission{
				{Resource: "workflows", Action: "read"},
				{Resource: "workflows", Action: "create"},
				{Resource: "workflows", Action: "update", Condition: OwnerSelf},
				{Resource: "workflows", Action: "delete", Condition: OwnerSelf},
				{Resource: "executions", Action: Wildcard},
				{Resource: "connectors", Action: "read"},
				{Resource: "credentials", Action: ActionManageOwn},
				{Resource: "api_keys", Action: ActionManageOwn},
				{Resource: "reports", Action: "read"},
			},
			IsSystem: true,
		},
		{
			Name:        RoleAnalyst,
			Description: &analystDesc,
			Permissions: []Permission{
				{Resource: "workflows", Action: "read"},
				{Resource: "executions", Action: "read"},
				{Resource: "reports", Action: Wildcard},
				{Resource: "analytics", Action: "read"},
				{Resource: "api_keys", Action: ActionManageOwn},
			},
			IsSystem: true,
		},
		{
			Name:        RoleViewer,
			Description: &viewerDesc,
			Permissions: []Permission{
				{Resource: "workflows", Action: "read"},
				{Resource: "executions", Action: "read"},
				{Resource: "reports", Action: "read"},
			},
			IsSystem: true,
		},
	}
}
