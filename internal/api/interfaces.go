// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// SessionHandler handles upload session operations
type SessionHandler interface {
	HandleCreateSession(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleGetSessionMsgpack(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleSelectFile(c echo.Context) error
	HandleClearFile(c echo.Context) error
	HandleExtractFields(c echo.Context) error
	HandleExtractProducts(c echo.Context) error
	HandleReset(c echo.Context) error
	HandleGetView(c echo.Context) error
	HandleToggleProduct(c echo.Context) error
}

// PolicyHandler handles the upload validation policy
type PolicyHandler interface {
	HandleGetPolicy(c echo.Context) error
	HandleUpdatePolicy(c echo.Context) error
}

// EventsHandler streams session snapshots and alerts
type EventsHandler interface {
	HandleEvents(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionCounter reports how many sessions are live
type SessionCounter interface {
	Count() int
}
