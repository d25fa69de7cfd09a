package persistence

import (
	"context"
	"sync"

	"github.com/BaSui01/chatrelay/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development, testing, and single-instance deployments.
// Note: Data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*types.Conversation
	transfers     map[string][]types.TransferEvent
	messages      map[string][]*types.Message
	policy        *types.DelayPolicy
	closed        bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*types.Conversation),
		transfers:     make(map[string][]types.TransferEvent),
		messages:      make(map[string][]*types.Message),
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// GetConversation returns a copy of the stored conversation
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// Commit applies w under the store lock. Nothing is mutated unless every check passes.
func (s *MemoryStore) Commit(ctx context.Context, w Write) error {
	if err := validateWrite(w); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	id := w.Conversation.ID
	if err := checkVersion(s.conversations[id], w.ExpectedVersion); err != nil {
		return err
	}

	existing := s.messages[id]
	byID := make(map[string]int, len(existing))
	for i, m := range existing {
		byID[m.ID] = i
	}
	for _, m := range w.Messages {
		if _, dup := byID[m.ID]; dup {
			return ErrAlreadyExists
		}
	}

	// 先在副本上应用所有更新, 全部成功后再替换
	updated := make(map[int]*types.Message, len(w.MessageUpdates))
	for _, u := range w.MessageUpdates {
		idx, ok := byID[u.MessageID]
		if !ok {
			return ErrNotFound
		}
		m, ok := updated[idx]
		if !ok {
			m = existing[idx].Clone()
		}
		if err := advanceMessage(m, u); err != nil {
			return err
		}
		updated[idx] = m
	}

	next := make([]*types.Message, len(existing), len(existing)+len(w.Messages))
	copy(next, existing)
	for idx, m := range updated {
		next[idx] = m
	}
	for _, m := range w.Messages {
		cp := m.Clone()
		cp.ConversationID = id
		next = append(next, cp)
	}

	conv := w.Conversation.Clone()
	conv.Version = w.ExpectedVersion + 1
	s.conversations[id] = conv
	s.messages[id] = next
	s.transfers[id] = append(s.transfers[id], w.Transfers...)
	w.Conversation.Version = conv.Version
	return nil
}

// ListTransfers returns the transfer log of a conversation
func (s *MemoryStore) ListTransfers(ctx context.Context, conversationID string) ([]types.TransferEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	return append([]types.TransferEvent(nil), s.transfers[conversationID]...), nil
}

// GetMessage returns a single message
func (s *MemoryStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return m.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListMessages returns the messages of a conversation in append order
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	result := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.Clone())
	}
	return result, nil
}

// AddReaction attaches a reaction to a message
func (s *MemoryStore) AddReaction(ctx context.Context, conversationID, messageID string, r types.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if m.HasReaction(r) {
			return false, nil
		}
		cp := m.Clone()
		cp.Reactions = append(cp.Reactions, r)
		msgs[i] = cp
		return true, nil
	}
	return false, ErrNotFound
}

// GetDelayPolicy returns the stored delay policy
func (s *MemoryStore) GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.policy == nil {
		return nil, ErrNotFound
	}
	p := *s.policy
	return &p, nil
}

// SaveDelayPolicy replaces the stored delay policy
func (s *MemoryStore) SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error {
	if p == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *p
	s.policy = &cp
	return nil
}
