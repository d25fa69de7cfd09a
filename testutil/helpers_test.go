package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/testutil/fixtures"
	"github.com/BaSui01/chatrelay/types"
)

func TestFixtures_SatisfyInvariants(t *testing.T) {
	for _, c := range fixtures.ConversationsInEveryStatus() {
		AssertConversationInvariants(t, c)
	}
}

func TestSeedConversation(t *testing.T) {
	store := persistence.NewMemoryStore()
	conv := SeedConversation(t, store, fixtures.WaitingConversation("c1"),
		fixtures.InboundBurst("c1", 3)...)

	assert.Equal(t, int64(1), conv.Version)

	got, err := store.GetConversation(TestContext(t), "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, got.Status)

	msgs, err := store.ListMessages(TestContext(t), "c1")
	require.NoError(t, err)
	AssertMessagesEqual(t, fixtures.InboundBurst("c1", 3), msgs)
}

func TestAssertErrorCode(t *testing.T) {
	AssertErrorCode(t, types.NewError(types.ErrNotFound, "missing"), types.ErrNotFound)
}
