// Package models - permission.go defines the Permission rule evaluated by the permission engine
// and its closed set of conditions.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// ActionManageOwn is an ownership-restricted action wildcard: a permission carrying it matches
// every requested action on its resource (read, update, delete, ...) but only when the
// requesting subject owns the target resource. Routes such as key revocation request the plain
// action ("delete") and rely on this.
const ActionManageOwn = "manage_own"

// Condition restricts when a Permission matches. Only one condition kind exists.
type Condition int

const (
	// NoCondition places no extra restriction on a match.
	NoCondition Condition = iota
	// OwnerSelf requires the resource owner to be the requesting subject.
	OwnerSelf
)

// String returns the wire form of the condition.
func (c Condition) String() string {
	switch c {
	case OwnerSelf:
		return "owner:self"
	default:
		return "none"
	}
}

// ErrUnknownCondition is returned when decoding a condition other than {"owner":"self"}.
var ErrUnknownCondition = errors.New("unknown permission condition")

// Permission grants an action on a resource. Resource and Action may be "*".
type Permission struct {
	Resource  string
	Action    string
	Condition Condition
}

type permissionJSON struct {
	Resource   string            `json:"resource"`
	Action     string            `json:"action"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// MarshalJSON encodes the permission with its condition as {"owner":"self"}.
func (p Permission) MarshalJSON() ([]byte, error) {
	out := permissionJSON{Resource: p.Resource, Action: p.Action}
	if p.Condition == OwnerSelf {
		out.Conditions = map[string]string{"owner": "self"}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a permission and rejects unknown condition keys or values.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var in permissionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	cond := NoCondition
	for k, v := range in.Conditions {
		if k != "owner" || v != "self" {
			return fmt.Errorf("%w: %s=%s", ErrUnknownCondition, k, v)
		}
		cond = OwnerSelf
	}
	*p = Permission{Resource: in.Resource, Action: in.Action, Condition: cond}
	return nil
}

// Validate checks that resource and action are non-empty and free of whitespace.
func (p Permission) Validate() error {
	if strings.TrimSpace(p.Resource) == "" || strings.ContainsAny(p.Resource, " \t\n") {
		return fmt.Errorf("invalid permission resource %q", p.Resource)
	}
	if strings.TrimSpace(p.Action) == "" || strings.ContainsAny(p.Action, " \t\n") {
		return fmt.Errorf("invalid permission action %q", p.Action)
	}
	return nil
}

// String renders the permission as resource:action[ (owner:self)].
func (p Permission) String() string {
	s := p.Resource + ":" + p.Action
	if p.Condition != NoCondition {
		s += " (" + p.Condition.String() + ")"
	}
	return s
}

// ParsePermissions decodes a JSON array of permissions, preserving order.
func ParsePermissions(data []byte) ([]Permission, error) {
	if len(data) == 0 {
		return []Permission{}, nil
	}
	perms := make([]Permission, 0)
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}
