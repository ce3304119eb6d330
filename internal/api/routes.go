// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Sessions *session.Manager
	Policies *upload.PolicyStore
	Events   *EventHub
	Version  string
	Logger   *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health  HealthHandler
	Session SessionHandler
	Policy  PolicyHandler
	Events  EventsHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	h := &Handlers{
		Health:  NewHealthHandler(deps.Version, deps.Sessions),
		Session: NewSessionHandler(deps.Sessions, deps.Policies, deps.Events),
		Policy:  NewPolicyHandler(deps.Policies, deps.Logger),
	}
	if deps.Events != nil {
		h.Events = NewEventsHandler(deps.Events, deps.Sessions)
	}
	return h
}

// RegisterRoutes registers all API routes on the /api group
func RegisterRoutes(api *echo.Group, handlers *Handlers) {
	// Health check
	api.GET("/health", handlers.Health.HandleHealth)

	// Upload session routes
	sessions := api.Group("/sessions")
	sessions.POST("", handlers.Session.HandleCreateSession)
	sessions.GET("/:id", handlers.Session.HandleGetSession)
	sessions.GET("/:id/msgpack", handlers.Session.HandleGetSessionMsgpack)
	sessions.DELETE("/:id", handlers.Session.HandleDeleteSession)
	sessions.POST("/:id/keepalive", handlers.Session.HandleSessionKeepAlive)
	sessions.PUT("/:id/file", handlers.Session.HandleSelectFile)
	sessions.DELETE("/:id/file", handlers.Session.HandleClearFile)
	sessions.POST("/:id/extract/fields", handlers.Session.HandleExtractFields)
	sessions.POST("/:id/extract/products", handlers.Session.HandleExtractProducts)
	sessions.POST("/:id/reset", handlers.Session.HandleReset)
	sessions.GET("/:id/view", handlers.Session.HandleGetView)
	sessions.POST("/:id/products/:key/toggle", handlers.Session.HandleToggleProduct)
	if handlers.Events != nil {
		sessions.GET("/:id/events", handlers.Events.HandleEvents)
	}

	// Upload policy routes
	api.GET("/config/upload-policy", handlers.Policy.HandleGetPolicy)
	api.PUT("/config/upload-policy", handlers.Policy.HandleUpdatePolicy)
}

// BodyLimit caps request bodies at limit (e.g. "2M"). File selection is
// skipped: its body is bounded by the upload policy in HandleSelectFile.
func BodyLimit(limit string) echo.MiddlewareFunc {
	return middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Limit: limit,
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			return req.Method == http.MethodPut && strings.HasSuffix(req.URL.Path, "/file")
		},
	})
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, logger *slog.Logger, showErrorDetails bool) {
	e.HTTPErrorHandler = NewErrorHandler(logger, showErrorDetails)
}
