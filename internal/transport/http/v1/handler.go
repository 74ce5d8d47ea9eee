// Package v1 provides the HTTP API handlers.
package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/aiva/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service    *service.Service
	adminToken string
}

// NewHandler creates a new handler. adminToken guards the grant and backend
// admin routes; an empty token closes them.
func NewHandler(service *service.Service, adminToken string) *Handler {
	return &Handler{
		service:    service,
		adminToken: adminToken,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Conversations
	e.POST("/v1/conversations/:conversation_id/turns", h.SubmitTurn)
	e.GET("/v1/conversations", h.ListConversations)
	e.GET("/v1/conversations/:conversation_id/messages", h.GetMessages)
	e.GET("/v1/conversations/:conversation_id/window", h.GetWindow)
	e.GET("/v1/conversations/:conversation_id/invocations", h.ListInvocations)

	// Tools
	e.GET("/v1/tools", h.ListTools)
	e.GET("/v1/tools/:tool_name", h.GetTool)

	admin := adminOnly(h.adminToken)

	// Grants (admin)
	e.GET("/v1/grants", h.ListGrants, admin)
	e.POST("/v1/grants", h.IssueGrant, admin)
	e.DELETE("/v1/grants/:grant_id", h.RevokeGrant, admin)

	// Backends
	e.GET("/v1/backends", h.ListBackends)
	e.POST("/v1/backends/:name/activate", h.ActivateBackend, admin)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c echo.Context, name string, def int) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
