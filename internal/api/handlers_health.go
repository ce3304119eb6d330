// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	sessions SessionCounter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, sessions SessionCounter) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		sessions: sessions,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.sessions != nil {
		resp["sessions"] = h.sessions.Count()
	}
	return c.JSON(http.StatusOK, resp)
}
