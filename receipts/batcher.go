package receipts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// Observer receives read-receipt metrics.
type Observer interface {
	RecordMarkedRead(n int)
}

// Result reports what MarkRead changed.
type Result struct {
	Conversation *types.Conversation `json:"conversation"`
	Marked       []string            `json:"marked"`
}

// Batcher marks inbound messages read when an operator views a conversation.
type Batcher struct {
	store    persistence.Store
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Batcher) { b.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// NewBatcher creates a read-receipt batcher.
func NewBatcher(store persistence.Store, logger *zap.Logger, opts ...Option) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		store:  store,
		logger: logger.With(zap.String("component", "read_receipts")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MarkRead moves every inbound sent/delivered message to read and resets
// UnreadCount in one version-checked write. Nothing to mark is a successful
// no-op. A concurrent write to the conversation fails the whole batch with
// CONFLICT.
func (b *Batcher) MarkRead(ctx context.Context, conversationID string) (*Result, error) {
	// 先读会话再读消息: 期间若有新消息写入, 版本号检查会让整批失败
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, persistence.DomainError(err, "conversation %s", conversationID)
	}
	msgs, err := b.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, persistence.DomainError(err, "messages of %s", conversationID)
	}

	now := b.now()
	var (
		updates []types.MessageUpdate
		marked  []string
	)
	for _, m := range msgs {
		if !m.Unread() {
			continue
		}
		updates = append(updates, types.MessageUpdate{MessageID: m.ID, DeliveryStatus: types.DeliveryRead, At: now})
		marked = append(marked, m.ID)
	}

	if len(updates) == 0 && conv.UnreadCount == 0 {
		return &Result{Conversation: conv, Marked: []string{}}, nil
	}

	next := conv.Clone()
	next.UnreadCount = 0
	next.Touch(now)

	w := persistence.Write{
		Conversation:    next,
		ExpectedVersion: conv.Version,
		MessageUpdates:  updates,
	}
	if err := b.store.Commit(ctx, w); err != nil {
		return nil, persistence.DomainError(err, "mark %s read", conversationID)
	}

	if b.observer != nil {
		b.observer.RecordMarkedRead(len(marked))
	}
	b.logger.Debug("messages marked read",
		zap.String("conversation_id", conversationID),
		zap.Int("count", len(marked)),
	)
	if marked == nil {
		marked = []string{}
	}
	return &Result{Conversation: next, Marked: marked}, nil
}
