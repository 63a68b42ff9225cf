// audit_repository.go implements AuditRepository: appends to the audit_events table and the
// filtered reads behind the audit API and chain verification.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// AuditRepository handles audit event database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters narrows ListAuditEvents. OrganizationID is always required by the API layer.
type AuditFilters struct {
	OrganizationID *string
	SubjectID      *string
	EventType      *string
	Since          *time.Time
}

const auditColumns = `id, subject_id, organization_id, event_type, resource, action, ip, user_agent, metadata, timestamp, prev_hash, hash`

// CreateAuditEvent appends an event. ID, Timestamp and the hashes are set by the audit logger.
func (r *AuditRepository) CreateAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	var metadataJSON []byte
	if ev.Metadata != nil {
		var err error
		if metadataJSON, err = json.Marshal(ev.Metadata); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_events (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		ev.ID,
		ev.SubjectID,
		ev.OrganizationID,
		ev.EventType,
		ev.Resource,
		ev.Action,
		ev.IP,
		ev.UserAgent,
		metadataJSON,
		ev.Timestamp,
		ev.PrevHash,
		ev.Hash,
	)
	return err
}

// ListAuditEvents returns matching events newest first, with the total match count.
func (r *AuditRepository) ListAuditEvents(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditEvent, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0, 6)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where += fmt.Sprintf(clause, len(args))
	}

	if filters.OrganizationID != nil {
		add(` AND organization_id = $%d`, *filters.OrganizationID)
	}
	if filters.SubjectID != nil {
		add(` AND subject_id = $%d`, *filters.SubjectID)
	}
	if filters.EventType != nil {
		add(` AND event_type = $%d`, *filters.EventType)
	}
	if filters.Since != nil {
		add(` AND timestamp >= $%d`, *filters.Since)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_events` + where +
		fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	events, err := r.query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ListChain returns up to limit events in append order, skipping the first offset.
func (r *AuditRepository) ListChain(ctx context.Context, offset, limit int) ([]*models.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events ORDER BY seq ASC LIMIT $1 OFFSET $2`
	return r.query(ctx, query, limit, offset)
}

// LatestHash returns the hash of the newest event, or "" for an empty table.
func (r *AuditRepository) LatestHash(ctx context.Context) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (r *AuditRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		ev := &models.AuditEvent{}
		var metadataJSON []byte
		if err := rows.Scan(
			&ev.ID,
			&ev.SubjectID,
			&ev.OrganizationID,
			&ev.EventType,
			&ev.Resource,
			&ev.Action,
			&ev.IP,
			&ev.UserAgent,
			&metadataJSON,
			&ev.Timestamp,
			&ev.PrevHash,
			&ev.Hash,
		); err != nil {
			return nil, err
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
