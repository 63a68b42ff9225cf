// Package api wires the HTTP surface of the authorization gateway.
//
// Every route except the probes goes through the gateway: transport checks, sanitization,
// credential verification, rate limiting, CSRF and the route's permission run before the
// handler. /health, /ready and /version are public, so anonymous callers reach them with an IP
// rate limit only.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/api/admin"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/gateway"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/middleware"
)

// Version is the server version reported by /version; set at build time.
var Version = "0.1.0"

const probeTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the collaborators the routes need. Redis is optional.
type Dependencies struct {
	DB       Pinger
	Redis    redis.UniversalClient
	Gateway  *gateway.Gateway
	Roles    admin.RoleService
	Checker  admin.PermissionChecker
	APIKeys  admin.APIKeyStore
	Audit    admin.AuditStore
	Users    admin.UserLookup
	Recorder gateway.Recorder
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		slog.Error("invalid trusted proxies, trusting none", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware("/health", "/ready"))
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS, cfg.Auth.APIKeyHeader))

	gw := deps.Gateway
	public := gateway.Route{Public: true}

	router.GET("/health", gw.Handle(public), healthCheckHandler())
	router.GET("/ready", gw.Handle(public), readinessHandler(deps.DB, deps.Redis))
	router.GET("/version", gw.Handle(public), versionHandler())

	roleHandlers := admin.NewRoleHandlers(deps.Roles, deps.Recorder)
	keyHandlers := admin.NewAPIKeyHandlers(deps.APIKeys, cfg.Auth.APIKeyPrefix, deps.Recorder)
	auditHandlers := admin.NewAuditHandlers(deps.Audit)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/auth/me", gw.Handle(gateway.Route{Class: config.ClassAuth}), admin.MeHandler(deps.Users))
		v1.GET("/csrf-token", gw.Handle(gateway.Route{Class: config.ClassAuth}), admin.CSRFTokenHandler())

		roles := v1.Group("/roles")
		{
			roles.GET("/:name", gw.Handle(read("roles", "read")), roleHandlers.GetRoleHandler())
			roles.POST("", gw.Handle(write("roles", "create", nil)), roleHandlers.CreateRoleHandler())
			roles.PUT("/:id/permissions", gw.Handle(write("roles", "update", nil)), roleHandlers.UpdatePermissionsHandler())
			roles.POST("/assign", gw.Handle(write("roles", "assign", nil)), roleHandlers.AssignRoleHandler())
		}

		v1.POST("/permissions/check", gw.Handle(gateway.Route{Class: config.ClassRead}), admin.CheckPermissionHandler(deps.Checker))

		keys := v1.Group("/api-keys")
		{
			keys.POST("", gw.Handle(write("api_keys", "create", admin.SelfOwner)), keyHandlers.CreateAPIKeyHandler())
			keys.DELETE("/:id", gw.Handle(write("api_keys", "delete", keyHandlers.ResolveKeyOwner)), keyHandlers.RevokeAPIKeyHandler())
		}

		events := v1.Group("/audit-events")
		{
			events.GET("", gw.Handle(read("audit", "read")), auditHandlers.ListAuditEventsHandler())
			events.GET("/verify", gw.Handle(read("audit", "verify")), auditHandlers.VerifyChainHandler())
		}
	}

	return router
}

func read(resource, action string) gateway.Route {
	return gateway.Route{Resource: resource, Action: action, Class: config.ClassRead}
}

func write(resource, action string, owner gateway.OwnerResolver) gateway.Route {
	return gateway.Route{Resource: resource, Action: action, Owner: owner, Class: config.ClassWrite}
}

// healthCheckHandler is the liveness probe; it never touches dependencies.
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this checks the database and, when configured, Redis, so
// that a readiness gate fails while credential or counter lookups would fail closed.
func readinessHandler(db Pinger, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		checks := gin.H{}
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
