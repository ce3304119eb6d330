// handlers_policy.go - Upload policy handlers
package api

import (
	"log/slog"
	"net/http"

	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/labstack/echo/v4"
)

const bytesPerMB = 1024 * 1024

// PolicyHandlerImpl implements the PolicyHandler interface
type PolicyHandlerImpl struct {
	policies *upload.PolicyStore
	logger   *slog.Logger
}

// NewPolicyHandler creates a new policy handler
func NewPolicyHandler(policies *upload.PolicyStore, logger *slog.Logger) PolicyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyHandlerImpl{
		policies: policies,
		logger:   logger,
	}
}

type policyResponse struct {
	AllowedExtensions []string `json:"allowedExtensions"`
	MaxSizeBytes      int64    `json:"maxSizeBytes"`
	MaxSizeMB         float64  `json:"maxSizeMb"`
}

func newPolicyResponse(p upload.Policy) policyResponse {
	return policyResponse{
		AllowedExtensions: p.AllowedExtensions,
		MaxSizeBytes:      p.MaxSizeBytes,
		MaxSizeMB:         float64(p.MaxSizeBytes) / bytesPerMB,
	}
}

// HandleGetPolicy returns the active upload policy
func (h *PolicyHandlerImpl) HandleGetPolicy(c echo.Context) error {
	return c.JSON(http.StatusOK, newPolicyResponse(h.policies.Get()))
}

// HandleUpdatePolicy replaces the upload policy. It applies to the next
// file selection of every session.
func (h *PolicyHandlerImpl) HandleUpdatePolicy(c echo.Context) error {
	var req updatePolicyRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	current := h.policies.Get()
	if req.AllowedExtensions != nil {
		current.AllowedExtensions = req.AllowedExtensions
	}
	if req.MaxSizeMB != nil {
		current.MaxSizeBytes = int64(*req.MaxSizeMB * bytesPerMB)
	}
	h.policies.Set(current)

	updated := h.policies.Get()
	h.logger.Info("policy.updated", "extensions", updated.AllowedExtensions, "max_size_bytes", updated.MaxSizeBytes)
	return c.JSON(http.StatusOK, newPolicyResponse(updated))
}

// Request types

type updatePolicyRequest struct {
	AllowedExtensions []string `json:"allowedExtensions"`
	MaxSizeMB         *float64 `json:"maxSizeMb"`
}

func (r *updatePolicyRequest) validate() error {
	if r.AllowedExtensions == nil && r.MaxSizeMB == nil {
		return NewBadRequestError("nothing to update", nil)
	}
	if r.AllowedExtensions != nil && len(r.AllowedExtensions) == 0 {
		return NewValidationError("allowedExtensions")
	}
	for _, ext := range r.AllowedExtensions {
		if upload.NormalizeExt(ext) == "" {
			return NewValidationError("allowedExtensions")
		}
	}
	if r.MaxSizeMB != nil && *r.MaxSizeMB <= 0 {
		return NewValidationError("maxSizeMb")
	}
	return nil
}
