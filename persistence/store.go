// Package persistence provides the storage contract and implementations for
// conversations, their messages, the transfer log and the delay policy.
//
// Every backend exposes the same single atomic primitive, Commit, which
// compare-and-swaps a conversation record on its version and applies the
// attached transfer events, new messages and delivery updates all-or-nothing.
//
// Supported backends:
// - Memory: For development and testing (default)
// - Redis: WATCH/MULTI optimistic transactions
// - SQL: GORM over PostgreSQL, MySQL or SQLite
// - Mongo: one document per conversation
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/chatrelay/types"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrStoreClosed     = errors.New("store is closed")
	ErrInvalidInput    = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeMongo  StoreType = "mongo"
)

// Write is one atomic unit applied by Commit.
type Write struct {
	// Conversation is the full record to store. Commit sets its Version on success.
	Conversation *types.Conversation

	// ExpectedVersion is the version the caller read. Zero creates the conversation.
	ExpectedVersion int64

	// Transfers are appended to the conversation's transfer log.
	Transfers []types.TransferEvent

	// Messages are appended to the conversation. IDs must be new.
	Messages []*types.Message

	// MessageUpdates advance delivery statuses of existing messages.
	MessageUpdates []types.MessageUpdate
}

// Store is the persistence contract consumed by the relay core.
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// GetConversation returns ErrNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)

	// Commit applies w atomically. It returns ErrVersionConflict when the stored
	// version differs from w.ExpectedVersion (or the record already exists when
	// creating), ErrNotFound when a message update names an unknown message, and
	// ErrInvalidInput when an update would move a delivery status backwards.
	Commit(ctx context.Context, w Write) error

	// ListTransfers returns the transfer log in append order.
	ListTransfers(ctx context.Context, conversationID string) ([]types.TransferEvent, error)

	// GetMessage returns a single message.
	GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error)

	// ListMessages returns all messages of a conversation in append order.
	ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error)

	// AddReaction attaches r to a message. Attaching an identical reaction
	// (same emoji and actor) again is a no-op and reports added=false.
	AddReaction(ctx context.Context, conversationID, messageID string, r types.Reaction) (added bool, err error)

	// GetDelayPolicy returns ErrNotFound if no policy was ever saved.
	GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error)

	// SaveDelayPolicy replaces the stored policy.
	SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error
}

// validateWrite checks the parts of w that do not depend on stored state.
func validateWrite(w Write) error {
	if w.Conversation == nil || w.Conversation.ID == "" {
		return fmt.Errorf("%w: conversation is required", ErrInvalidInput)
	}
	if w.ExpectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(w.Messages))
	for _, m := range w.Messages {
		if m == nil || m.ID == "" {
			return fmt.Errorf("%w: message id is required", ErrInvalidInput)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: duplicate message id %s", ErrInvalidInput, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	for _, u := range w.MessageUpdates {
		if !u.DeliveryStatus.Valid() {
			return fmt.Errorf("%w: unknown delivery status %q", ErrInvalidInput, u.DeliveryStatus)
		}
	}
	return nil
}

// advanceMessage applies u to m in place, refusing to move backwards.
func advanceMessage(m *types.Message, u types.MessageUpdate) error {
	if !m.DeliveryStatus.CanAdvanceTo(u.DeliveryStatus) {
		return fmt.Errorf("%w: message %s cannot move from %s to %s",
			ErrInvalidInput, m.ID, m.DeliveryStatus, u.DeliveryStatus)
	}
	m.DeliveryStatus = u.DeliveryStatus
	if u.DeliveryStatus == types.DeliveryRead && m.ReadAt == nil {
		at := u.At
		m.ReadAt = &at
	}
	return nil
}

// checkVersion compares the stored version with the expected one.
// stored is nil when the conversation does not exist.
func checkVersion(stored *types.Conversation, expected int64) error {
	switch {
	case expected == 0 && stored != nil:
		return fmt.Errorf("%w: conversation already exists", ErrVersionConflict)
	case expected != 0 && stored == nil:
		return ErrNotFound
	case stored != nil && stored.Version != expected:
		return fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expected, stored.Version)
	}
	return nil
}
