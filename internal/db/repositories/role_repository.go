// role_repository.go implements RoleRepository, the persistent role directory behind the
// permission engine: lookup by name with organization shadowing, custom role writes, system
// role reconciliation and user role assignment.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// RoleRepository handles role database operations
type RoleRepository struct {
	db *sqlx.DB
}

// NewRoleRepository creates a new RoleRepository
func NewRoleRepository(db *sqlx.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

type roleRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Description    *string   `db:"description"`
	Permissions    []byte    `db:"permissions"`
	IsSystem       bool      `db:"is_system"`
	OrganizationID *string   `db:"organization_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r roleRow) toModel() (*models.Role, error) {
	perms, err := models.ParsePermissions(r.Permissions)
	if err != nil {
		return nil, fmt.Errorf("role %s has malformed permissions: %w", r.ID, err)
	}
	return &models.Role{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Permissions:    perms,
		IsSystem:       r.IsSystem,
		OrganizationID: r.OrganizationID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

const roleColumns = `id, name, description, permissions, is_system, organization_id, created_at, updated_at`

// GetRoleByName returns the organization's custom role named name, falling back to the system
// role. Returns (nil, nil) when neither exists.
func (r *RoleRepository) GetRoleByName(ctx context.Context, name, orgID string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + `
			  FROM roles
			  WHERE name = $1 AND (organization_id = $2 OR organization_id IS NULL)
			  ORDER BY organization_id IS NULL
			  LIMIT 1`

	var row roleRow
	err := r.db.GetContext(ctx, &row, query, name, nullString(orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetRoleByID returns the role with the given ID, or (nil, nil).
func (r *RoleRepository) GetRoleByID(ctx context.Context, id string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	var row roleRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// ListRoles returns the system roles and the organization's custom roles, system roles first.
func (r *RoleRepository) ListRoles(ctx context.Context, orgID string) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + `
			  FROM roles
			  WHERE organization_id IS NULL OR organization_id = $1
			  ORDER BY is_system DESC, name`

	var rows []roleRow
	if err := r.db.SelectContext(ctx, &rows, query, nullString(orgID)); err != nil {
		return nil, err
	}
	roles := make([]*models.Role, 0, len(rows))
	for _, row := range rows {
		role, err := row.toModel()
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// CreateRole inserts a custom role, assigning its ID and timestamps.
func (r *RoleRepository) CreateRole(ctx context.Context, role *models.Role) error {
	permsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}
	role.ID = uuid.New().String()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt

	query := `INSERT INTO roles (id, name, description, permissions, is_system, organization_id, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		role.ID, role.Name, role.Description, permsJSON, role.OrganizationID, role.CreatedAt, role.UpdatedAt)
	return err
}

// UpdateRolePermissions replaces a role's permission list.
func (r *RoleRepository) UpdateRolePermissions(ctx context.Context, id string, perms []models.Permission) error {
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	query := `UPDATE roles SET permissions = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, permsJSON, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertSystemRole creates a system role or overwrites its description and permissions.
func (r *RoleRepository) UpsertSystemRole(ctx context.Context, role *models.Role) error {
	permsJSON, err := json.Marshal(role.Permissions)
	if err != nil {
		return err
	}
	query := `INSERT INTO roles (id, name, description, permissions, is_system, organization_id, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, TRUE, NULL, NOW(), NOW())
			  ON CONFLICT (name) WHERE organization_id IS NULL
			  DO UPDATE SET description = EXCLUDED.description,
			                permissions = EXCLUDED.permissions,
			                is_system = TRUE,
			                updated_at = NOW()
			  RETURNING id`

	return r.db.QueryRowxContext(ctx, query, uuid.New().String(), role.Name, role.Description, permsJSON).Scan(&role.ID)
}

// AssignRole sets the role of a user in orgID and reports whether the user was found there.
func (r *RoleRepository) AssignRole(ctx context.Context, userID, orgID, roleName string) (bool, error) {
	query := `UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2 AND organization_id = $3`
	res, err := r.db.ExecContext(ctx, query, roleName, userID, orgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
