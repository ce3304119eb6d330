// handlers_session.go - Upload session handlers
package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/docproc-dashboard/backend/internal/view"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// multipartOverhead is the room left for part headers and boundaries on
// top of the policy's size limit.
const multipartOverhead = 1 << 20

var errMissingFilePart = errors.New(`missing multipart file part "file"`)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	sessions *session.Manager
	policies *upload.PolicyStore
	events   *EventHub
}

// NewSessionHandler creates a new session handler. events may be nil.
func NewSessionHandler(sessions *session.Manager, policies *upload.PolicyStore, events *EventHub) SessionHandler {
	return &SessionHandlerImpl{
		sessions: sessions,
		policies: policies,
		events:   events,
	}
}

// lookup resolves the :id parameter to a live session and marks it active.
func (h *SessionHandlerImpl) lookup(c echo.Context) (*session.Controller, error) {
	id := c.Param("id")
	if id == "" {
		return nil, NewValidationError("id")
	}
	ctrl, ok := h.sessions.Get(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	ctrl.Touch()
	return ctrl, nil
}

// HandleCreateSession starts a new, idle upload session
func (h *SessionHandlerImpl) HandleCreateSession(c echo.Context) error {
	ctrl, err := h.sessions.Create()
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, ctrl.Snapshot())
}

// HandleGetSession returns the current session snapshot
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleGetSessionMsgpack returns the session snapshot encoded as MessagePack
func (h *SessionHandlerImpl) HandleGetSessionMsgpack(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(ctrl.Snapshot())
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleDeleteSession closes a session and removes its stored file
func (h *SessionHandlerImpl) HandleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if !h.sessions.Delete(id) {
		return NewNotFoundError("session", id)
	}
	if h.events != nil {
		h.events.CloseSession(id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleSessionKeepAlive updates the session's last activity
func (h *SessionHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("id")
	if !h.sessions.Touch(id) {
		return NewNotFoundError("session", id)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSelectFile streams the multipart "file" part into the session.
// The body is bounded by the active upload policy, not the global body
// limit.
func (h *SessionHandlerImpl) HandleSelectFile(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}

	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.policies.Get().MaxSizeBytes+multipartOverhead)

	mr, err := req.MultipartReader()
	if err != nil {
		return NewBadRequestError(errMissingFilePart.Error(), err)
	}
	part, err := nextFilePart(mr)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return sessionError(err)
		}
		if errors.Is(err, errMissingFilePart) {
			return NewBadRequestError(err.Error(), nil)
		}
		return NewBadRequestError("malformed multipart body", err)
	}
	defer part.Close()

	cand := &session.Candidate{
		Name:    part.FileName(),
		Size:    -1,
		Content: part,
	}
	if err := ctrl.SelectFile(req.Context(), cand); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// nextFilePart skips to the first part named "file" that carries a file name.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// HandleClearFile clears the selected file
func (h *SessionHandlerImpl) HandleClearFile(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := ctrl.SelectFile(c.Request().Context(), nil); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleExtractFields runs a fields extraction and waits for its result
func (h *SessionHandlerImpl) HandleExtractFields(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := ctrl.ExtractFields(c.Request().Context()); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleExtractProducts runs a products extraction and waits for its result
func (h *SessionHandlerImpl) HandleExtractProducts(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := ctrl.ExtractProducts(c.Request().Context()); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleReset clears the session back to its initial state
func (h *SessionHandlerImpl) HandleReset(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := ctrl.Reset(); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleGetView returns the rendered dashboard. Query: tab (fields|products)
func (h *SessionHandlerImpl) HandleGetView(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view.RenderDashboard(ctrl.Snapshot(), c.QueryParam("tab")))
}

type toggleProductResponse struct {
	Key      string `json:"key"`
	Expanded bool   `json:"expanded"`
}

// HandleToggleProduct expands or collapses one product row
func (h *SessionHandlerImpl) HandleToggleProduct(c echo.Context) error {
	ctrl, err := h.lookup(c)
	if err != nil {
		return err
	}
	key := c.Param("key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if key == "" {
		return NewValidationError("key")
	}

	expanded, err := ctrl.ToggleProduct(key)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, toggleProductResponse{Key: key, Expanded: expanded})
}
