package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/service"
)

// ListTools lists registered tool descriptors.
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tools": h.service.Tools()})
}

// GetTool returns one tool descriptor.
func (h *Handler) GetTool(c echo.Context) error {
	desc, err := h.service.Tool(c.Param("tool_name"))
	if err != nil {
		return errorJSON(c, http.StatusNotFound, "tool not found")
	}
	return c.JSON(http.StatusOK, desc)
}

// ListGrants lists capability grants, including revoked and expired ones.
func (h *Handler) ListGrants(c echo.Context) error {
	grants := h.service.ListGrants()
	if grants == nil {
		grants = []domain.Grant{}
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": grants})
}

// IssueGrant creates a grant.
func (h *Handler) IssueGrant(c echo.Context) error {
	var req domain.GrantRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.TTLSeconds < 0 {
		return errorJSON(c, http.StatusBadRequest, "ttl_seconds must not be negative")
	}
	if req.IssuedBy == "" {
		req.IssuedBy = "http"
	}

	grant, err := h.service.IssueGrant(c.Request().Context(), req)
	if errors.Is(err, capability.ErrInvalidScope) {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, grant)
}

// RevokeGrant revokes a grant. The next invocation re-reads the grant set.
func (h *Handler) RevokeGrant(c echo.Context) error {
	err := h.service.RevokeGrant(c.Request().Context(), c.Param("grant_id"))
	if errors.Is(err, capability.ErrGrantNotFound) {
		return errorJSON(c, http.StatusNotFound, "grant not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ListBackends lists model backends and marks the active one.
func (h *Handler) ListBackends(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"backends": h.service.Backends()})
}

// ActivateBackend switches the active backend.
func (h *Handler) ActivateBackend(c echo.Context) error {
	name := c.Param("name")
	err := h.service.ActivateBackend(name)
	if errors.Is(err, service.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "backend not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"active": name})
}
