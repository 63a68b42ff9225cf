// Package rbac decides whether an identity may perform an action on a resource.
//
// A role is an ordered list of permissions. Evaluation walks the list in stored order and the
// first matching permission allows the request; no match denies. Wildcards ("*") match any
// resource or action. Two ownership gates exist: the manage_own action and the owner:self
// condition. Both require the resource owner to be the caller, and an unknown owner never
// satisfies them.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/telemetry"
)

var (
	ErrRoleNotFound      = errors.New("role not found")
	ErrSystemRole        = errors.New("system roles cannot be modified")
	ErrRoleExists        = errors.New("role already exists")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidRoleName   = errors.New("invalid role name")
	ErrUserNotFound      = errors.New("user not found in organization")
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Store is the persistent role directory.
type Store interface {
	// GetRoleByName returns the organization's custom role of that name, else the system role,
	// else (nil, nil).
	GetRoleByName(ctx context.Context, name, orgID string) (*models.Role, error)
	GetRoleByID(ctx context.Context, id string) (*models.Role, error)
	CreateRole(ctx context.Context, role *models.Role) error
	UpdateRolePermissions(ctx context.Context, id string, perms []models.Permission) error
	UpsertSystemRole(ctx context.Context, role *models.Role) error
	// AssignRole sets the role of a user in orgID and reports whether such a user exists.
	AssignRole(ctx context.Context, userID, orgID, roleName string) (bool, error)
}

// Decision is the outcome of an evaluation. An allow always names the permission that matched.
type Decision struct {
	Allowed bool
	Role    string
	Matched *models.Permission
}

// Check is one (resource, action, owner) triple for HasAnyPermission / HasAllPermissions.
type Check struct {
	Resource string
	Action   string
	OwnerID  string
}

// Engine evaluates permissions and serializes role mutations against cache readers.
type Engine struct {
	store Store
	cache PermissionCache

	// Readers hold mu.RLock across cache lookup and load; writers hold mu.Lock across the
	// store write and the invalidation, so no reader sees the old set after a write returns.
	mu sync.RWMutex
}

// NewEngine creates an engine backed by store and cache.
func NewEngine(store Store, cache PermissionCache) *Engine {
	return &Engine{store: store, cache: cache}
}

// Matches reports whether p grants action on resource to subjectID for a resource owned by
// ownerID.
func Matches(p models.Permission, subjectID, resource, action, ownerID string) bool {
	if p.Resource != models.Wildcard && p.Resource != resource {
		return false
	}
	if p.Action != models.Wildcard && p.Action != action && p.Action != models.ActionManageOwn {
		return false
	}
	isOwner := ownerID != "" && ownerID == subjectID
	if p.Action == models.ActionManageOwn && !isOwner {
		return false
	}
	if p.Condition == models.OwnerSelf && !isOwner {
		return false
	}
	return true
}

// firstMatch returns the index of the first permission in perms that matches, or -1.
func firstMatch(perms []models.Permission, subjectID, resource, action, ownerID string) int {
	for i := range perms {
		if Matches(perms[i], subjectID, resource, action, ownerID) {
			return i
		}
	}
	return -1
}

// Evaluate decides a single check. Errors come only from the role store; callers must treat
// them as a deny.
func (e *Engine) Evaluate(ctx context.Context, id *auth.Identity, resource, action, ownerID string) (Decision, error) {
	if id == nil || id.Role == "" {
		return Decision{}, nil
	}
	perms, err := e.RolePermissions(ctx, id.OrganizationID, id.Role)
	if err != nil {
		return Decision{Role: id.Role}, err
	}

	i := firstMatch(perms, id.SubjectID, resource, action, ownerID)
	if i < 0 {
		return Decision{Role: id.Role}, nil
	}
	// A key-scoped permission list can only narrow what the role grants.
	if id.KeyPermissions != nil && firstMatch(id.KeyPermissions, id.SubjectID, resource, action, ownerID) < 0 {
		return Decision{Role: id.Role}, nil
	}
	matched := perms[i]
	return Decision{Allowed: true, Role: id.Role, Matched: &matched}, nil
}

// HasPermission is Evaluate with store failures logged and folded into a deny.
func (e *Engine) HasPermission(ctx context.Context, id *auth.Identity, resource, action, ownerID string) bool {
	d, err := e.Evaluate(ctx, id, resource, action, ownerID)
	if err != nil {
		slog.Error("permission check failed closed",
			"subject_id", subjectOf(id), "resource", resource, "action", action, "error", err)
		return false
	}
	return d.Allowed
}

// HasAnyPermission reports whether at least one check passes, stopping at the first that does.
func (e *Engine) HasAnyPermission(ctx context.Context, id *auth.Identity, checks ...Check) bool {
	for _, c := range checks {
		if e.HasPermission(ctx, id, c.Resource, c.Action, c.OwnerID) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every check passes, stopping at the first that does not.
// An empty list is denied.
func (e *Engine) HasAllPermissions(ctx context.Context, id *auth.Identity, checks ...Check) bool {
	if len(checks) == 0 {
		return false
	}
	for _, c := range checks {
		if !e.HasPermission(ctx, id, c.Resource, c.Action, c.OwnerID) {
			return false
		}
	}
	return true
}

// RolePermissions returns the ordered permission set of roleName as seen from orgID, from cache
// when possible. An unknown role has no permissions.
func (e *Engine) RolePermissions(ctx context.Context, orgID, roleName string) ([]models.Permission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key := orgID + "/" + roleName
	perms, gen, ok := e.cache.Get(key)
	if ok {
		telemetry.PermissionCacheLookupsTotal.WithLabelValues("hit").Inc()
		return perms, nil
	}
	telemetry.PermissionCacheLookupsTotal.WithLabelValues("miss").Inc()

	role, err := e.store.GetRoleByName(ctx, roleName, orgID)
	if err != nil {
		return nil, fmt.Errorf("load role %q: %w", roleName, err)
	}
	perms = []models.Permission{}
	if role != nil {
		perms = role.Permissions
	}
	e.cache.Set(key, perms, gen)
	return perms, nil
}

// GetRole returns the role of that name visible to orgID.
func (e *Engine) GetRole(ctx context.Context, orgID, name string) (*models.Role, error) {
	role, err := e.store.GetRoleByName(ctx, name, orgID)
	if err != nil {
		return nil, fmt.Errorf("load role %q: %w", name, err)
	}
	if role == nil {
		return nil, ErrRoleNotFound
	}
	return role, nil
}

// CreateRole adds a custom role to orgID.
func (e *Engine) CreateRole(ctx context.Context, orgID, name, description string, perms []models.Permission) (*models.Role, error) {
	if !roleNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoleName, name)
	}
	if models.IsSystemRoleName(name) {
		return nil, fmt.Errorf("%w: %q is reserved", ErrSystemRole, name)
	}
	if err := validatePermissions(perms); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.GetRoleByName(ctx, name, orgID)
	if err != nil {
		return nil, fmt.Errorf("load role %q: %w", name, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrRoleExists, name)
	}

	org := orgID
	role := &models.Role{Name: name, Permissions: perms, OrganizationID: &org}
	if description != "" {
		role.Description = &description
	}
	if err := e.store.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	e.cache.Invalidate()
	return role, nil
}

// UpdateRolePermissions replaces the permission list of a custom role owned by orgID.
func (e *Engine) UpdateRolePermissions(ctx context.Context, orgID, roleID string, perms []models.Permission) (*models.Role, error) {
	if err := validatePermissions(perms); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	role, err := e.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("load role %s: %w", roleID, err)
	}
	if role == nil || (!role.IsSystem && (role.OrganizationID == nil || *role.OrganizationID != orgID)) {
		return nil, ErrRoleNotFound
	}
	if role.IsSystem {
		return nil, fmt.Errorf("%w: %q", ErrSystemRole, role.Name)
	}

	if err := e.store.UpdateRolePermissions(ctx, roleID, perms); err != nil {
		return nil, fmt.Errorf("update role %s: %w", roleID, err)
	}
	e.cache.Invalidate()
	role.Permissions = perms
	return role, nil
}

// AssignRole sets the role of a user in orgID. The role must be visible to the organization.
func (e *Engine) AssignRole(ctx context.Context, orgID, userID, roleName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	role, err := e.store.GetRoleByName(ctx, roleName, orgID)
	if err != nil {
		return fmt.Errorf("load role %q: %w", roleName, err)
	}
	if role == nil {
		return fmt.Errorf("%w: %q", ErrRoleNotFound, roleName)
	}
	found, err := e.store.AssignRole(ctx, userID, orgID, roleName)
	if err != nil {
		return fmt.Errorf("assign role %q to %s: %w", roleName, userID, err)
	}
	if !found {
		return ErrUserNotFound
	}
	e.cache.Invalidate()
	return nil
}

// ReconcileSystemRoles creates or overwrites the baseline system roles. Custom roles are not
// touched. Safe to run on every start.
func (e *Engine) ReconcileSystemRoles(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, role := range models.SystemRoles() {
		role := role
		if err := e.store.UpsertSystemRole(ctx, &role); err != nil {
			return fmt.Errorf("reconcile system role %q: %w", role.Name, err)
		}
	}
	e.cache.Invalidate()
	slog.Info("system roles reconciled", "count", len(models.SystemRoles()))
	return nil
}

func validatePermissions(perms []models.Permission) error {
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPermission, err)
		}
	}
	return nil
}

func subjectOf(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.SubjectID
}
