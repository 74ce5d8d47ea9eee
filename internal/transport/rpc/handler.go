package rpc

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/service"
)

// ErrUnauthorized is returned by admin methods called without the admin token.
var ErrUnauthorized = errors.New("unauthorized: admin token required")

// Handler implements the Aiva RPC methods.
type Handler struct {
	service    *service.Service
	adminToken string
	log        *zap.Logger
}

// AdminArgs authenticates an admin method without further arguments.
type AdminArgs struct {
	Token string `json:"token"`
}

// GrantArgs is the IssueGrant argument.
type GrantArgs struct {
	Token string `json:"token"`
	domain.GrantRequest
}

// RevokeRequest identifies a grant to revoke.
type RevokeRequest struct {
	Token   string `json:"token"`
	GrantID string `json:"grant_id"`
}

// Ack is returned by methods without a payload.
type Ack struct {
	OK bool `json:"ok"`
}

// GrantList is returned by ListGrants.
type GrantList struct {
	Grants []domain.Grant `json:"grants"`
}

// ToolList is returned by ListTools.
type ToolList struct {
	Tools []domain.ToolDescriptor `json:"tools"`
}

// Empty is the argument of parameterless methods.
type Empty struct{}

// Submit runs one turn to completion.
func (h *Handler) Submit(req *domain.InboundEvent, resp *domain.TurnResult) error {
	if req == nil {
		return errors.New("event is required")
	}
	ev := *req
	if ev.Channel == "" {
		ev.Channel = "rpc"
	}
	res, err := h.service.Submit(context.Background(), ev)
	if err != nil {
		return err
	}
	*resp = *res
	return nil
}

func (h *Handler) authorize(token string) error {
	if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// IssueGrant creates a capability grant.
func (h *Handler) IssueGrant(req *GrantArgs, resp *domain.Grant) error {
	if req == nil {
		return errors.New("grant request is required")
	}
	if err := h.authorize(req.Token); err != nil {
		h.log.Warn("rejected unauthenticated grant request", zap.String("scope", req.Scope))
		return err
	}
	r := req.GrantRequest
	if r.IssuedBy == "" {
		r.IssuedBy = "rpc"
	}
	grant, err := h.service.IssueGrant(context.Background(), r)
	if err != nil {
		return err
	}
	h.log.Info("grant issued", zap.String("grant_id", grant.GrantID), zap.String("scope", grant.Scope))
	*resp = *grant
	return nil
}

// RevokeGrant revokes a grant.
func (h *Handler) RevokeGrant(req *RevokeRequest, resp *Ack) error {
	if req == nil || req.GrantID == "" {
		return errors.New("grant_id is required")
	}
	if err := h.authorize(req.Token); err != nil {
		return err
	}
	if err := h.service.RevokeGrant(context.Background(), req.GrantID); err != nil {
		return err
	}
	h.log.Info("grant revoked", zap.String("grant_id", req.GrantID))
	resp.OK = true
	return nil
}

// ListGrants lists all grants.
func (h *Handler) ListGrants(req *AdminArgs, resp *GrantList) error {
	if req == nil {
		return ErrUnauthorized
	}
	if err := h.authorize(req.Token); err != nil {
		return err
	}
	resp.Grants = h.service.ListGrants()
	return nil
}

// ListTools lists tool descriptors.
func (h *Handler) ListTools(_ *Empty, resp *ToolList) error {
	resp.Tools = h.service.Tools()
	return nil
}
