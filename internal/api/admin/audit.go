package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/audit"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/repositories"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditStore is the read side of the audit repository.
type AuditStore interface {
	audit.ChainReader
	ListAuditEvents(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditEvent, int, error)
}

// AuditHandlers serves stored audit events.
type AuditHandlers struct {
	store AuditStore
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(store AuditStore) *AuditHandlers {
	return &AuditHandlers{store: store}
}

// ListAuditEventsHandler returns the caller organization's events, newest first.
// Query: subject_id, event_type, since (RFC3339), limit, offset.
// GET /api/v1/audit-events
func (h *AuditHandlers) ListAuditEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := gateway.IdentityFrom(c)
		org := id.OrganizationID
		filters := repositories.AuditFilters{OrganizationID: &org}

		if v := c.Query("subject_id"); v != "" {
			filters.SubjectID = &v
		}
		if v := c.Query("event_type"); v != "" {
			filters.EventType = &v
		}
		if v := c.Query("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			filters.Since = &since
		}

		limit, err := queryInt(c, "limit", defaultAuditLimit)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if limit > maxAuditLimit {
			limit = maxAuditLimit
		}
		offset, err := queryInt(c, "offset", 0)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return
		}

		events, total, err := h.store.ListAuditEvents(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list audit events", "organization_id", org, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit events"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events": events,
			"pagination": gin.H{
				"limit":  limit,
				"offset": offset,
				"total":  total,
			},
		})
	}
}

// VerifyChainHandler re-hashes the stored chain and reports the first broken event.
// GET /api/v1/audit-events/verify
func (h *AuditHandlers) VerifyChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := audit.VerifyStored(c.Request.Context(), h.store, maxAuditLimit)
		if err != nil {
			slog.Error("audit chain verification failed", "checked", report.Checked, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify audit chain"})
			return
		}
		if !report.Valid {
			slog.Warn("audit chain broken", "broken_at", report.BrokenAt, "checked", report.Checked)
		}
		c.JSON(http.StatusOK, report)
	}
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
