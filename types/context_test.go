package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	_, ok := ConversationID(ctx)
	assert.False(t, ok)

	ctx = WithConversationID(ctx, "+15550001")
	ctx = WithActor(ctx, "op1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTraceID(ctx, "trace-1")

	id, ok := ConversationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "+15550001", id)

	actor, ok := Actor(ctx)
	assert.True(t, ok)
	assert.Equal(t, "op1", actor)

	rid, _ := RequestID(ctx)
	assert.Equal(t, "req-1", rid)

	tid, _ := TraceID(ctx)
	assert.Equal(t, "trace-1", tid)

	_, ok = Actor(WithActor(context.Background(), ""))
	assert.False(t, ok)
}
