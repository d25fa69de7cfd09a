package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// SummaryMaxRunes bounds Conversation.LastMessageSummary.
const SummaryMaxRunes = 120

// Result is what Apply reports back to the caller.
type Result struct {
	Conversation *types.Conversation  `json:"conversation"`
	Previous     types.Status         `json:"previous_status"`
	Transfer     *types.TransferEvent `json:"transfer,omitempty"`
	Changed      bool                 `json:"changed"`
}

// Machine owns conversation status and persists every transition as one
// version-checked write. It does not serialize callers itself; the relay runs
// it inside a per-conversation worker.
type Machine struct {
	store  persistence.Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator overrides the generator for message and event IDs.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// NewMachine creates a state machine over store.
func NewMachine(store persistence.Store, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		store:  store,
		logger: logger.With(zap.String("component", "conversation_machine")),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current conversation.
func (m *Machine) Get(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, persistence.DomainError(err, "conversation %s", id)
	}
	return conv, nil
}

// Apply runs action a on conversation id on behalf of actor.
// Errors: NOT_FOUND, INVALID_ACTION, INVALID_REQUEST, CONFLICT (the caller
// re-reads and retries).
func (m *Machine) Apply(ctx context.Context, id string, a Action, actor string) (*Result, error) {
	if a.IsZero() {
		return nil, types.NewError(types.ErrInvalidAction, "action is required")
	}
	// 操作员身份会写进 assignedOperator 和转接记录
	if strings.TrimSpace(actor) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "actor is required")
	}

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := Transition(current, a, actor, m.now())
	if err != nil {
		return nil, err
	}

	result := &Result{
		Conversation: out.Next,
		Previous:     current.Status,
		Changed:      out.Changed,
	}
	if !out.Changed {
		return result, nil
	}

	w := persistence.Write{Conversation: out.Next, ExpectedVersion: current.Version}
	if out.Transfer != nil {
		out.Transfer.ID = m.newID()
		w.Transfers = []types.TransferEvent{*out.Transfer}
		result.Transfer = out.Transfer
	}

	if err := m.store.Commit(ctx, w); err != nil {
		return nil, persistence.DomainError(err, "apply %s to %s", a, id)
	}

	fields := []zap.Field{
		zap.String("conversation_id", id),
		zap.String("action", a.String()),
		zap.String("actor", actor),
		zap.String("from_status", string(current.Status)),
		zap.String("to_status", string(out.Next.Status)),
	}
	if out.Transfer != nil {
		fields = append(fields,
			zap.String("transfer_from", string(out.Transfer.From)),
			zap.String("transfer_to", string(out.Transfer.To)),
		)
	}
	m.logger.Info("conversation transition applied", fields...)

	return result, nil
}

// Transfers returns the append-only transfer log.
func (m *Machine) Transfers(ctx context.Context, id string) ([]types.TransferEvent, error) {
	events, err := m.store.ListTransfers(ctx, id)
	if err != nil {
		return nil, persistence.DomainError(err, "transfers of %s", id)
	}
	return events, nil
}

// IngestResult describes an accepted inbound message.
type IngestResult struct {
	Conversation *types.Conversation `json:"conversation"`
	Message      *types.Message      `json:"message"`
	Created      bool                `json:"created"`
}

// Ingest records an inbound customer message, creating the conversation on
// first contact. An ai_active conversation moves to waiting; other statuses
// are kept.
func (m *Machine) Ingest(ctx context.Context, id, messageID, text string) (*IngestResult, error) {
	if id == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation id is required")
	}
	now := m.now()

	current, err := m.store.GetConversation(ctx, id)
	created := false
	switch {
	case err == nil:
	case isNotFound(err):
		current = types.NewConversation(id, now)
		created = true
	default:
		return nil, persistence.DomainError(err, "conversation %s", id)
	}

	if messageID == "" {
		messageID = m.newID()
	}
	msg := &types.Message{
		ID:             messageID,
		ConversationID: id,
		Direction:      types.DirectionInbound,
		Text:           text,
		DeliveryStatus: types.DeliveryDelivered,
		CreatedAt:      now,
	}

	next := current.Clone()
	if next.Status == types.StatusAIActive {
		next.Status = types.StatusWaiting
	}
	next.UnreadCount++
	next.LastMessageSummary = Summarize(text)
	next.Touch(now)

	w := persistence.Write{
		Conversation:    next,
		ExpectedVersion: current.Version,
		Messages:        []*types.Message{msg},
	}
	if err := m.store.Commit(ctx, w); err != nil {
		return nil, persistence.DomainError(err, "ingest into %s", id)
	}

	m.logger.Debug("inbound message ingested",
		zap.String("conversation_id", id),
		zap.String("message_id", messageID),
		zap.String("status", string(next.Status)),
		zap.Bool("created", created),
	)
	return &IngestResult{Conversation: next, Message: msg, Created: created}, nil
}

// RecordOutbound stores a message the gateway accepted. A waiting
// conversation returns to ai_active.
func (m *Machine) RecordOutbound(ctx context.Context, id, messageID, text string) (*types.Conversation, error) {
	now := m.now()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if next.Status == types.StatusWaiting {
		next.Status = types.StatusAIActive
	}
	next.LastMessageSummary = Summarize(text)
	next.Touch(now)

	w := persistence.Write{
		Conversation:    next,
		ExpectedVersion: current.Version,
		Messages: []*types.Message{{
			ID:             messageID,
			ConversationID: id,
			Direction:      types.DirectionOutbound,
			Text:           text,
			DeliveryStatus: types.DeliverySent,
			CreatedAt:      now,
		}},
	}
	if err := m.store.Commit(ctx, w); err != nil {
		return nil, persistence.DomainError(err, "record outbound for %s", id)
	}
	return next, nil
}

// History returns the conversation's messages in append order.
func (m *Machine) History(ctx context.Context, id string) ([]*types.Message, error) {
	msgs, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return nil, persistence.DomainError(err, "messages of %s", id)
	}
	return msgs, nil
}

// QueueDepth counts inbound messages after the latest outbound one in history.
func QueueDepth(history []*types.Message) int {
	depth := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == types.DirectionOutbound {
			break
		}
		depth++
	}
	return depth
}

// Summarize truncates text to SummaryMaxRunes.
func Summarize(text string) string {
	if utf8.RuneCountInString(text) <= SummaryMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:SummaryMaxRunes])
}

func isNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}
