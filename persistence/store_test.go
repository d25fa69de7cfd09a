package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatrelay/types"
)

// =============================================================================
// 🧪 所有后端共用的契约测试
// =============================================================================

var baseTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestConversation(id string) *types.Conversation {
	return types.NewConversation(id, baseTime)
}

func inbound(id, text string, offset time.Duration) *types.Message {
	return &types.Message{
		ID:             id,
		Direction:      types.DirectionInbound,
		Text:           text,
		DeliveryStatus: types.DeliveryDelivered,
		CreatedAt:      baseTime.Add(offset),
	}
}

func createConversation(t *testing.T, s Store, id string, msgs ...*types.Message) *types.Conversation {
	t.Helper()
	conv := newTestConversation(id)
	require.NoError(t, s.Commit(context.Background(), Write{Conversation: conv, Messages: msgs}))
	require.Equal(t, int64(1), conv.Version)
	return conv
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("GetUnknownConversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ListTransfers(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.ListMessages(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		createConversation(t, s, "+15550001")

		got, err := s.GetConversation(ctx, "+15550001")
		require.NoError(t, err)
		assert.Equal(t, types.StatusAIActive, got.Status)
		assert.False(t, got.AutomationPaused)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, baseTime.Equal(got.UpdatedAt))

		err = s.Commit(ctx, Write{Conversation: newTestConversation("+15550001")})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550002")

		now := baseTime.Add(time.Minute)
		next := conv.Clone()
		next.Status = types.StatusAgentAssigned
		next.AutomationPaused = true
		next.AssignedOperator = "op1"
		next.PausedAt = &now
		next.PausedBy = "op1"
		next.Touch(now)
		require.NoError(t, s.Commit(ctx, Write{Conversation: next, ExpectedVersion: 1}))
		assert.Equal(t, int64(2), next.Version)

		got, err := s.GetConversation(ctx, "+15550002")
		require.NoError(t, err)
		assert.Equal(t, types.StatusAgentAssigned, got.Status)
		assert.Equal(t, "op1", got.AssignedOperator)
		require.NotNil(t, got.PausedAt)
		assert.True(t, now.Equal(*got.PausedAt))

		stale := conv.Clone()
		stale.UnreadCount = 9
		err = s.Commit(ctx, Write{Conversation: stale, ExpectedVersion: 1})
		assert.ErrorIs(t, err, ErrVersionConflict)

		err = s.Commit(ctx, Write{Conversation: newTestConversation("ghost"), ExpectedVersion: 3})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TransfersAppendInOrder", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550003")

		first := types.TransferEvent{ID: "ev-1", ConversationID: conv.ID, From: types.PartyAgent, To: types.PartyHuman, Actor: "op1", Reason: "assume_chat", Timestamp: baseTime}
		second := types.TransferEvent{ID: "ev-2", ConversationID: conv.ID, From: types.PartyHuman, To: types.PartyAgent, Actor: "op1", Reason: "resume_ai", Timestamp: baseTime.Add(time.Second)}

		require.NoError(t, s.Commit(ctx, Write{Conversation: conv, ExpectedVersion: 1, Transfers: []types.TransferEvent{first}}))
		require.NoError(t, s.Commit(ctx, Write{Conversation: conv, ExpectedVersion: 2, Transfers: []types.TransferEvent{second}}))

		events, err := s.ListTransfers(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "ev-1", events[0].ID)
		assert.Equal(t, types.PartyHuman, events[0].To)
		assert.Equal(t, "ev-2", events[1].ID)
		assert.Equal(t, types.PartyAgent, events[1].To)
	})

	t.Run("MessagesAppendInOrder", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550004", inbound("m1", "hi", 0))

		require.NoError(t, s.Commit(ctx, Write{
			Conversation:    conv,
			ExpectedVersion: 1,
			Messages:        []*types.Message{inbound("m2", "anyone?", time.Second)},
		}))

		msgs, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "m2", msgs[1].ID)
		assert.Equal(t, conv.ID, msgs[1].ConversationID)

		got, err := s.GetMessage(ctx, conv.ID, "m2")
		require.NoError(t, err)
		assert.Equal(t, "anyone?", got.Text)

		_, err = s.GetMessage(ctx, conv.ID, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateMessageRejectsWholeWrite", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550005", inbound("m1", "hi", 0))

		next := conv.Clone()
		next.UnreadCount = 5
		err := s.Commit(ctx, Write{
			Conversation:    next,
			ExpectedVersion: 1,
			Messages:        []*types.Message{inbound("m1", "again", time.Second)},
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, 0, got.UnreadCount)
	})

	t.Run("MessageUpdatesAreAllOrNothing", func(t *testing.T) {
		s := newStore(t)
		m2 := inbound("m2", "b", time.Second)
		m2.DeliveryStatus = types.DeliveryRead
		conv := createConversation(t, s, "+15550006", inbound("m1", "a", 0), m2)

		readAt := baseTime.Add(time.Hour)
		err := s.Commit(ctx, Write{
			Conversation:    conv,
			ExpectedVersion: 1,
			MessageUpdates: []types.MessageUpdate{
				{MessageID: "m1", DeliveryStatus: types.DeliveryRead, At: readAt},
				{MessageID: "m2", DeliveryStatus: types.DeliveryDelivered, At: readAt},
			},
		})
		assert.ErrorIs(t, err, ErrInvalidInput)

		m1, err := s.GetMessage(ctx, conv.ID, "m1")
		require.NoError(t, err)
		assert.Equal(t, types.DeliveryDelivered, m1.DeliveryStatus)

		err = s.Commit(ctx, Write{
			Conversation:    conv,
			ExpectedVersion: 1,
			MessageUpdates:  []types.MessageUpdate{{MessageID: "ghost", DeliveryStatus: types.DeliveryRead, At: readAt}},
		})
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Commit(ctx, Write{
			Conversation:    conv,
			ExpectedVersion: 1,
			MessageUpdates:  []types.MessageUpdate{{MessageID: "m1", DeliveryStatus: types.DeliveryRead, At: readAt}},
		}))

		m1, err = s.GetMessage(ctx, conv.ID, "m1")
		require.NoError(t, err)
		assert.Equal(t, types.DeliveryRead, m1.DeliveryStatus)
		require.NotNil(t, m1.ReadAt)
		assert.True(t, readAt.Equal(*m1.ReadAt))
	})

	t.Run("AddReactionIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550007", inbound("m1", "thanks", 0))

		r := types.Reaction{Emoji: "👍", Actor: "op1", ActorKind: types.ActorOperator, Timestamp: baseTime}
		added, err := s.AddReaction(ctx, conv.ID, "m1", r)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddReaction(ctx, conv.ID, "m1", r)
		require.NoError(t, err)
		assert.False(t, added)

		added, err = s.AddReaction(ctx, conv.ID, "m1", types.Reaction{Emoji: "👍", Actor: "op2", ActorKind: types.ActorOperator, Timestamp: baseTime})
		require.NoError(t, err)
		assert.True(t, added)

		// 同名的自动化来源不算重复
		added, err = s.AddReaction(ctx, conv.ID, "m1", types.Reaction{Emoji: "👍", Actor: "op1", ActorKind: types.ActorAutomation, Timestamp: baseTime})
		require.NoError(t, err)
		assert.True(t, added)

		m, err := s.GetMessage(ctx, conv.ID, "m1")
		require.NoError(t, err)
		assert.Len(t, m.Reactions, 3)

		_, err = s.AddReaction(ctx, conv.ID, "ghost", r)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version, "reactions do not bump the conversation version")
	})

	t.Run("DelayPolicy", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetDelayPolicy(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		p := &types.DelayPolicy{Enabled: true, MinDelayMs: 2000, MaxDelayMs: 5000, PerQueuedMessageDelayMs: 1000, UpdatedAt: baseTime}
		require.NoError(t, s.SaveDelayPolicy(ctx, p))

		p.MaxDelayMs = 8000
		require.NoError(t, s.SaveDelayPolicy(ctx, p))

		got, err := s.GetDelayPolicy(ctx)
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, int64(2000), got.MinDelayMs)
		assert.Equal(t, int64(8000), got.MaxDelayMs)
		assert.Equal(t, int64(1000), got.PerQueuedMessageDelayMs)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := newStore(t)
		conv := createConversation(t, s, "+15550008")

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				next := conv.Clone()
				next.UnreadCount = n + 1
				results <- s.Commit(ctx, Write{Conversation: next, ExpectedVersion: 1})
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("RejectsInvalidWrite", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Commit(ctx, Write{}), ErrInvalidInput)
		assert.ErrorIs(t, s.Commit(ctx, Write{
			Conversation: newTestConversation("+15550009"),
			Messages:     []*types.Message{inbound("m1", "a", 0), inbound("m1", "b", 0)},
		}), ErrInvalidInput)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	_, err := s.GetConversation(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Commit(ctx, Write{Conversation: newTestConversation("x")}), ErrStoreClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	createConversation(t, s, "+15550010", inbound("m1", "a", 0))

	got, err := s.GetConversation(ctx, "+15550010")
	require.NoError(t, err)
	got.Status = types.StatusResolved

	again, err := s.GetConversation(ctx, "+15550010")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAIActive, again.Status)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreConfig{Type: StoreTypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(StoreConfig{Type: StoreTypeSQL}, nil)
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: "cassandra"}, nil)
	assert.Error(t, err)
}
