package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := E(KindBackendRateLimited, "openai.generate", "429 from upstream", nil)
	wrapped := fmt.Errorf("model call: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBackendRateLimited))
	assert.False(t, errors.Is(wrapped, ErrBackendUnavailable))
	assert.Equal(t, KindBackendRateLimited, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsTransient(context.Canceled))
}

func TestErrorMessage(t *testing.T) {
	err := E(KindToolTimeout, "gate.invoke", "read_file exceeded 1s", context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "gate.invoke")
	assert.Contains(t, err.Error(), "tool_timeout")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: KindBackendRateLimited, RetryAfter: 2 * time.Second}
	assert.Equal(t, 2*time.Second, RetryAfterOf(fmt.Errorf("x: %w", err)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}

func TestGrantActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, Grant{Scope: "fs:read"}.Active(now))
	assert.True(t, Grant{Scope: "fs:read", ExpiresAt: &future}.Active(now))
	assert.False(t, Grant{Scope: "fs:read", ExpiresAt: &past}.Active(now))
	assert.False(t, Grant{Scope: "fs:read", RevokedAt: &past}.Active(now))

	assert.True(t, Grant{}.AppliesTo("c1"))
	assert.True(t, Grant{ConversationID: "c1"}.AppliesTo("c1"))
	assert.False(t, Grant{ConversationID: "c1"}.AppliesTo("c2"))
}
