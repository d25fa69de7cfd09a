package relay

import (
	"context"

	"github.com/BaSui01/chatrelay/types"
)

// ReplyGenerator supplies the text of an automated reply. The scheduler only
// carries the result; content generation happens outside the relay.
type ReplyGenerator interface {
	Generate(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error)
}

// GeneratorFunc adapts a function to ReplyGenerator.
type GeneratorFunc func(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error)

// Generate implements ReplyGenerator.
func (f GeneratorFunc) Generate(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error) {
	return f(ctx, conv, history)
}

// StaticGenerator always replies with the same text.
type StaticGenerator struct {
	Text string
}

// Generate implements ReplyGenerator.
func (g StaticGenerator) Generate(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error) {
	return g.Text, nil
}
