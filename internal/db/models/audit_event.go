// Package models - audit_event.go defines the AuditEvent model: an append-only record of a
// security-relevant outcome, chained to its predecessor by hash.
package models

import "time"

// Audit event types recorded by the gateway.
const (
	EventAuthFailed        = "auth_failed"
	EventPermissionDenied  = "permission_denied"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventCSRFRejected      = "csrf_rejected"
	EventPayloadRejected   = "payload_rejected"
	EventRequest           = "request"
	EventRoleChanged       = "role_changed"
	EventAPIKeyRevoked     = "api_key_revoked"
)

// AuditEvent is never mutated or deleted once written.
type AuditEvent struct {
	ID             string                 `json:"id"`
	SubjectID      *string                `json:"subject_id,omitempty"`
	OrganizationID *string                `json:"organization_id,omitempty"`
	EventType      string                 `json:"event_type"`
	Resource       *string                `json:"resource,omitempty"`
	Action         *string                `json:"action,omitempty"`
	IP             string                 `json:"ip"`
	UserAgent      string                 `json:"user_agent"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	PrevHash       string                 `json:"prev_hash"`
	Hash           string                 `json:"hash"`
}
