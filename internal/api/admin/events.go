package admin

import (
	"github.com/gin-gonic/gin"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/middleware"
)

func newEvent(c *gin.Context, eventType, resource, action string, metadata map[string]interface{}) *models.AuditEvent {
	ev := &models.AuditEvent{
		EventType: eventType,
		Resource:  &resource,
		Action:    &action,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  metadata,
	}
	if rid := c.GetString(middleware.RequestIDKey); rid != "" {
		ev.Metadata["request_id"] = rid
	}
	if id, ok := gateway.IdentityFrom(c); ok {
		subject, org := id.SubjectID, id.OrganizationID
		ev.SubjectID = &subject
		ev.OrganizationID = &org
	}
	return ev
}
