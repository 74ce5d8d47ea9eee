// Package capability decides whether a conversation may run a tool and
// mediates every tool execution.
package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/repository"
)

var (
	ErrInvalidScope  = errors.New("invalid capability scope")
	ErrGrantNotFound = errors.New("grant not found")
)

var scopePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:(\*|[a-z0-9_.-]+)$`)

// ValidScope reports whether scope looks like "prefix:name" or "prefix:*".
func ValidScope(scope string) bool {
	return scopePattern.MatchString(scope)
}

// Grants holds capability grants. Reads use an immutable snapshot; admin
// mutations are serialized and persisted before they are published.
type Grants struct {
	mu    sync.Mutex
	store repository.GrantStore
	snap  atomic.Pointer[[]domain.Grant]
	now   func() time.Time
}

// NewGrants creates an empty grant set backed by store.
func NewGrants(store repository.GrantStore) *Grants {
	g := &Grants{store: store, now: time.Now}
	empty := []domain.Grant{}
	g.snap.Store(&empty)
	return g
}

// Load replaces the snapshot with the persisted grants.
func (g *Grants) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	list, err := g.store.ListGrants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	if list == nil {
		list = []domain.Grant{}
	}
	g.snap.Store(&list)
	return nil
}

// Seed issues the grants configured at startup. Seeded grants use stable ids
// so restarting does not duplicate them; an id already in the store is left
// as it is, so a revoked seed stays revoked.
func (g *Grants) Seed(ctx context.Context, seeds []config.GrantConfig) error {
	persisted, err := g.store.ListGrants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	seen := make(map[string]bool, len(persisted))
	for _, gr := range persisted {
		seen[gr.GrantID] = true
	}
	for _, s := range seeds {
		id := "config:" + s.Scope
		if s.ConversationID != "" {
			id += "@" + s.ConversationID
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := g.issue(ctx, id, domain.GrantRequest{
			Scope:          s.Scope,
			ConversationID: s.ConversationID,
			TTLSeconds:     int(s.TTL / time.Second),
			IssuedBy:       "config",
		}); err != nil {
			return err
		}
	}
	return nil
}

// Issue creates and persists a grant.
func (g *Grants) Issue(ctx context.Context, req domain.GrantRequest) (*domain.Grant, error) {
	return g.issue(ctx, "gr_"+uuid.New().String(), req)
}

func (g *Grants) issue(ctx context.Context, id string, req domain.GrantRequest) (*domain.Grant, error) {
	if !ValidScope(req.Scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, req.Scope)
	}
	if req.TTLSeconds < 0 {
		return nil, fmt.Errorf("ttl must not be negative")
	}
	now := g.now().UTC()
	grant := domain.Grant{
		GrantID:        id,
		Scope:          req.Scope,
		ConversationID: req.ConversationID,
		IssuedBy:       req.IssuedBy,
		IssuedAt:       now,
	}
	if req.TTLSeconds > 0 {
		expires := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		grant.ExpiresAt = &expires
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.SaveGrant(ctx, &grant); err != nil {
		return nil, fmt.Errorf("failed to persist grant: %w", err)
	}
	current := *g.snap.Load()
	next := make([]domain.Grant, 0, len(current)+1)
	for _, existing := range current {
		if existing.GrantID != grant.GrantID {
			next = append(next, existing)
		}
	}
	next = append(next, grant)
	g.snap.Store(&next)
	return &grant, nil
}

// Revoke marks a grant revoked. Revoking twice is allowed.
func (g *Grants) Revoke(ctx context.Context, grantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	current := *g.snap.Load()
	idx := slices.IndexFunc(current, func(gr domain.Grant) bool { return gr.GrantID == grantID })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
	}
	at := g.now().UTC()
	if err := g.store.RevokeGrant(ctx, grantID, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
		}
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	next := slices.Clone(current)
	next[idx].RevokedAt = &at
	g.snap.Store(&next)
	return nil
}

// List returns every grant, including revoked and expired ones.
func (g *Grants) List() []domain.Grant {
	return slices.Clone(*g.snap.Load())
}

// Scopes returns the sorted scopes usable by a conversation at t.
func (g *Grants) Scopes(conversationID string, t time.Time) []string {
	var scopes []string
	for _, gr := range *g.snap.Load() {
		if gr.Active(t) && gr.AppliesTo(conversationID) {
			scopes = append(scopes, gr.Scope)
		}
	}
	slices.Sort(scopes)
	return slices.Compact(scopes)
}
