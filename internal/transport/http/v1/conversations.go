package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/service"
)

// SubmitTurn runs one turn and returns its result.
func (h *Handler) SubmitTurn(c echo.Context) error {
	var req domain.TurnRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	channel := req.Channel
	if channel == "" {
		channel = "http"
	}

	res, err := h.service.Submit(c.Request().Context(), domain.InboundEvent{
		ConversationID: c.Param("conversation_id"),
		Channel:        channel,
		Text:           req.Text,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// ListConversations lists conversations, most recently active first.
func (h *Handler) ListConversations(c echo.Context) error {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid limit")
	}
	convs, err := h.service.ListConversations(c.Request().Context(), limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": convs})
}

// GetMessages returns stored messages of a conversation.
func (h *Handler) GetMessages(c echo.Context) error {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid limit")
	}
	after, ok := queryInt(c, "after", 0)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid after")
	}

	msgs, err := h.service.Messages(c.Request().Context(), c.Param("conversation_id"), limit, int64(after))
	if errors.Is(err, service.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// GetWindow returns the context window the next turn would use.
func (h *Handler) GetWindow(c echo.Context) error {
	w, err := h.service.ContextWindow(c.Request().Context(), c.Param("conversation_id"))
	if errors.Is(err, service.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	msgs := w.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"messages": msgs,
		"summary":  w.Summary,
		"dropped":  w.Dropped,
		"tokens":   w.Tokens,
	})
}

// ListInvocations returns tool invocations of a conversation.
func (h *Handler) ListInvocations(c echo.Context) error {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "invalid limit")
	}
	invs, err := h.service.Invocations(c.Request().Context(), c.Param("conversation_id"), limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if invs == nil {
		invs = []domain.ToolInvocation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"invocations": invs})
}
