package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xiaot623/aiva/internal/domain"
)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore(0)
		defer s.Close()
		fn(t, s)
	})
}

func TestConversationLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		conv, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)
		assert.Equal(t, "c1", conv.ConversationID)
		assert.Equal(t, "console", conv.Channel)

		again, err := s.GetOrCreateConversation(ctx, "c1", "ws")
		require.NoError(t, err)
		assert.Equal(t, "console", again.Channel, "existing conversation keeps its channel")

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetContextFloor(ctx, "c1", 5))
		require.NoError(t, s.SetContextFloor(ctx, "c1", 3))
		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.ContextFloor, "floor never moves backwards")

		require.NoError(t, s.DeleteConversation(ctx, "c1"))
		_, err = s.GetConversation(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteConversation(ctx, "c1"), ErrNotFound)
	})
}

func TestAppendAssignsSequence(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)
		_, err = s.GetOrCreateConversation(ctx, "c2", "console")
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			msg := &domain.Message{ConversationID: "c1", Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)}
			require.NoError(t, s.AppendMessage(ctx, msg))
			assert.Equal(t, int64(i), msg.Seq)
			assert.NotEmpty(t, msg.MessageID)
		}
		other := &domain.Message{ConversationID: "c2", Role: domain.RoleUser, Content: "x"}
		require.NoError(t, s.AppendMessage(ctx, other))
		assert.Equal(t, int64(1), other.Seq, "sequences are per conversation")

		all, err := s.ListMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "m1", all[0].Content)

		latest, err := s.ListMessages(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, []int64{2, 3}, []int64{latest[0].Seq, latest[1].Seq})

		since, err := s.MessagesSince(ctx, "c1", 1)
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "m2", since[0].Content)

		none, err := s.MessagesSince(ctx, "c1", 3)
		require.NoError(t, err)
		assert.Empty(t, none)

		err = s.AppendMessage(ctx, &domain.Message{ConversationID: "ghost", Role: domain.RoleUser, Content: "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAppendPreservesPayload(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)

		msg := &domain.Message{
			ConversationID: "c1",
			TurnID:         "t1",
			Role:           domain.RoleToolResult,
			Content:        "ok",
			Payload:        json.RawMessage(`{"rows":[1,2]}`),
			InvocationID:   "inv-1",
		}
		require.NoError(t, s.AppendMessage(ctx, msg))

		msgs, err := s.ListMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "t1", msgs[0].TurnID)
		assert.Equal(t, domain.RoleToolResult, msgs[0].Role)
		assert.Equal(t, "inv-1", msgs[0].InvocationID)
		assert.JSONEq(t, `{"rows":[1,2]}`, string(msgs[0].Payload))
	})
}

func TestConcurrentAppendsAreDense(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.AppendMessage(ctx, &domain.Message{ConversationID: "c1", Role: domain.RoleUser, Content: fmt.Sprint(i)})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, msgs, n)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq)
		}
	})
}

func TestMemoryEntries(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)

		_, found, err := s.GetMemory(ctx, "c1", "city")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.SetMemory(ctx, "c1", "city", "Lisbon"))
		require.NoError(t, s.SetMemory(ctx, "c1", "city", "Porto"))
		require.NoError(t, s.SetMemory(ctx, "c1", "age", "40"))

		v, found, err := s.GetMemory(ctx, "c1", "city")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "Porto", v)

		entries, err := s.ListMemory(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "age", entries[0].Key)

		require.NoError(t, s.ClearMemory(ctx, "c1"))
		entries, err = s.ListMemory(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestInvocations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetOrCreateConversation(ctx, "c1", "console")
		require.NoError(t, err)

		inv := &domain.ToolInvocation{
			InvocationID:   "inv-1",
			ConversationID: "c1",
			TurnID:         "t1",
			ToolName:       "read_file",
			Args:           json.RawMessage(`{"path":"a.txt"}`),
			Status:         domain.InvocationStatusPending,
		}
		require.NoError(t, s.CreateInvocation(ctx, inv))
		assert.False(t, inv.StartedAt.IsZero())

		ended := time.Now().UTC()
		require.NoError(t, s.CompleteInvocation(ctx, "inv-1", domain.InvocationStatusSucceeded, json.RawMessage(`{"content":"hi"}`), "", ended))

		got, err := s.GetInvocation(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, domain.InvocationStatusSucceeded, got.Status)
		assert.Equal(t, "read_file", got.ToolName)
		assert.JSONEq(t, `{"content":"hi"}`, string(got.Result))
		require.NotNil(t, got.EndedAt)

		list, err := s.ListInvocations(ctx, "c1", 10)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = s.GetInvocation(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.CompleteInvocation(ctx, "nope", domain.InvocationStatusFailed, nil, "x", ended), ErrNotFound)
	})
}

func TestGrants(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		issued := time.Now().UTC().Truncate(time.Second)
		g := &domain.Grant{GrantID: "g1", Scope: "mailbox:read", ConversationID: "c1", IssuedBy: "admin", IssuedAt: issued}
		require.NoError(t, s.SaveGrant(ctx, g))
		require.NoError(t, s.SaveGrant(ctx, &domain.Grant{GrantID: "g2", Scope: "fs:*", IssuedAt: issued.Add(time.Second)}))

		require.NoError(t, s.RevokeGrant(ctx, "g1", issued.Add(time.Minute)))
		assert.ErrorIs(t, s.RevokeGrant(ctx, "missing", issued), ErrNotFound)

		grants, err := s.ListGrants(ctx)
		require.NoError(t, err)
		require.Len(t, grants, 2)
		assert.Equal(t, "g1", grants[0].GrantID)
		assert.Equal(t, "c1", grants[0].ConversationID)
		assert.NotNil(t, grants[0].RevokedAt)
		assert.False(t, grants[0].Active(issued.Add(2*time.Minute)))
		assert.True(t, grants[1].Active(issued.Add(2*time.Minute)))
	})
}

func TestIdleConversations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		for _, id := range []string{"old", "fresh"} {
			_, err := s.GetOrCreateConversation(ctx, id, "console")
			require.NoError(t, err)
		}
		require.NoError(t, s.TouchConversation(ctx, "old", now.Add(-2*time.Hour)))
		require.NoError(t, s.TouchConversation(ctx, "fresh", now))

		idle, err := s.ListIdleConversations(ctx, now.Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, idle)

		assert.ErrorIs(t, s.TouchConversation(ctx, "ghost", now), ErrNotFound)
	})
}

func TestMemoryStoreCapacityEvicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.GetOrCreateConversation(ctx, id, "console")
		require.NoError(t, err)
	}
	_, err := s.GetConversation(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound, "least recently used conversation is evicted")
	_, err = s.GetConversation(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryStoreKeepsPinnedConversations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1)

	s.Pin("a")
	_, err := s.GetOrCreateConversation(ctx, "a", "console")
	require.NoError(t, err)
	_, err = s.GetOrCreateConversation(ctx, "b", "console")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, &domain.Message{ConversationID: "a", Role: domain.RoleUser, Content: "still here"}))
	_, err = s.GetConversation(ctx, "b")
	assert.NoError(t, err, "capacity is exceeded rather than evicting a pinned conversation")

	s.Unpin("a")
	_, err = s.GetConversation(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound, "unpinning trims back to capacity")
	_, err = s.GetConversation(ctx, "b")
	assert.NoError(t, err)
}

func TestMemoryStorePinIsCounted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1)

	s.Pin("a")
	s.Pin("a")
	_, err := s.GetOrCreateConversation(ctx, "a", "console")
	require.NoError(t, err)
	_, err = s.GetOrCreateConversation(ctx, "b", "console")
	require.NoError(t, err)

	s.Unpin("a")
	_, err = s.GetConversation(ctx, "a")
	assert.NoError(t, err)
	s.Unpin("a")
	_, err = s.GetConversation(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConcurrentEviction(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	s := NewMemoryStore(2)
	defer s.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("c%d-%d", g, i)
				_, err := s.GetOrCreateConversation(ctx, id, "test")
				if !assert.NoError(t, err) {
					return
				}
				err = s.CreateInvocation(ctx, &domain.ToolInvocation{
					InvocationID:   id + "-inv",
					ConversationID: id,
					TurnID:         "t",
					ToolName:       "echo",
				})
				if err != nil {
					assert.ErrorIs(t, err, ErrNotFound)
				}
				_, _ = s.ListInvocations(ctx, id, 0)
			}
		}(g)
	}
	wg.Wait()

	convs, err := s.ListConversations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}
