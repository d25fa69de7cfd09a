package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/chatrelay/internal/database"
	"github.com/BaSui01/chatrelay/types"
)

// =============================================================================
// 🗄️ 表模型
// =============================================================================

type conversationRow struct {
	ID                 string     `gorm:"primaryKey;size:128"`
	Status             string     `gorm:"size:32;not null"`
	AutomationPaused   bool       `gorm:"not null"`
	AssignedOperator   string     `gorm:"size:128"`
	PausedAt           *time.Time
	PausedBy           string `gorm:"size:128"`
	ResolvedAt         *time.Time
	ResolvedBy         string    `gorm:"size:128"`
	UnreadCount        int       `gorm:"not null"`
	LastMessageSummary string    `gorm:"size:512"`
	CreatedAt          time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime:false"`
	Version            int64     `gorm:"not null"`
}

func (conversationRow) TableName() string { return "conversations" }

type transferRow struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement"`
	EventID        string    `gorm:"size:64;uniqueIndex"`
	ConversationID string    `gorm:"size:128;index;not null"`
	FromParty      string    `gorm:"size:16;not null"`
	ToParty        string    `gorm:"size:16;not null"`
	Actor          string    `gorm:"size:128"`
	Reason         string    `gorm:"size:256"`
	Timestamp      time.Time `gorm:"not null"`
}

func (transferRow) TableName() string { return "transfer_events" }

type messageRow struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:128;not null;uniqueIndex:idx_messages_conversation_message"`
	MessageID      string `gorm:"size:128;not null;uniqueIndex:idx_messages_conversation_message"`
	Direction      string `gorm:"size:16;not null"`
	Text           string `gorm:"type:text"`
	DeliveryStatus string `gorm:"size:16;not null"`
	ReadAt         *time.Time
	Reactions      string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (messageRow) TableName() string { return "messages" }

type delayPolicyRow struct {
	ID                      int       `gorm:"primaryKey;autoIncrement:false"`
	Enabled                 bool      `gorm:"not null"`
	MinDelayMs              int64     `gorm:"not null"`
	MaxDelayMs              int64     `gorm:"not null"`
	PerQueuedMessageDelayMs int64     `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime:false"`
}

func (delayPolicyRow) TableName() string { return "delay_policies" }

// delayPolicyRowID 全局唯一的策略行
const delayPolicyRowID = 1

// =============================================================================
// 🎯 GormStore
// =============================================================================

// GormStore is a SQL implementation of Store on top of GORM.
// Conversation writes are version-checked UPDATEs inside a transaction.
type GormStore struct {
	pool       *database.PoolManager
	maxRetries int
}

// transientCommitRetries bounds retries of a commit that hit a deadlock,
// serialization failure or SQLITE_BUSY. Version conflicts are never retried here.
const transientCommitRetries = 3

// NewGormStore creates a store using the pool's connection
func NewGormStore(pool *database.PoolManager, config StoreConfig) *GormStore {
	maxRetries := config.MaxCommitRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &GormStore{pool: pool, maxRetries: maxRetries}
}

// AutoMigrate creates the tables for drivers without a migration set (sqlite, mysql)
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(
		&conversationRow{}, &transferRow{}, &messageRow{}, &delayPolicyRow{},
	)
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// Ping checks if the store is healthy
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// GetConversation retrieves a conversation by ID
func (s *GormStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var row conversationRow
	if err := s.db(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateGormError(err)
	}
	return row.toConversation(), nil
}

// Commit applies w in one transaction
func (s *GormStore) Commit(ctx context.Context, w Write) error {
	if err := validateWrite(w); err != nil {
		return err
	}

	id := w.Conversation.ID
	row := newConversationRow(w.Conversation)
	row.Version = w.ExpectedVersion + 1

	err := s.pool.WithTransactionRetry(ctx, transientCommitRetries, func(tx *gorm.DB) error {
		if err := s.writeConversation(tx, &row, w.ExpectedVersion); err != nil {
			return err
		}
		if err := s.applyMessageUpdates(tx, id, w.MessageUpdates); err != nil {
			return err
		}
		if err := s.insertMessages(tx, id, w.Messages); err != nil {
			return err
		}
		if len(w.Transfers) > 0 {
			rows := make([]transferRow, len(w.Transfers))
			for i, ev := range w.Transfers {
				rows[i] = newTransferRow(id, ev)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("failed to append transfer events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return translateGormError(err)
	}
	w.Conversation.Version = row.Version
	return nil
}

func (s *GormStore) writeConversation(tx *gorm.DB, row *conversationRow, expected int64) error {
	if expected == 0 {
		var count int64
		if err := tx.Model(&conversationRow{}).Where("id = ?", row.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: conversation already exists", ErrVersionConflict)
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: conversation already exists", ErrVersionConflict)
			}
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		return nil
	}

	res := tx.Model(&conversationRow{}).
		Where("id = ? AND version = ?", row.ID, expected).
		Updates(map[string]any{
			"status":               row.Status,
			"automation_paused":    row.AutomationPaused,
			"assigned_operator":    row.AssignedOperator,
			"paused_at":            row.PausedAt,
			"paused_by":            row.PausedBy,
			"resolved_at":          row.ResolvedAt,
			"resolved_by":          row.ResolvedBy,
			"unread_count":         row.UnreadCount,
			"last_message_summary": row.LastMessageSummary,
			"updated_at":           row.UpdatedAt,
			"version":              row.Version,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update conversation: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := tx.Model(&conversationRow{}).Where("id = ?", row.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: expected version %d", ErrVersionConflict, expected)
}

func (s *GormStore) applyMessageUpdates(tx *gorm.DB, conversationID string, updates []types.MessageUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.MessageID)
	}

	var rows []messageRow
	if err := tx.Where("conversation_id = ? AND message_id IN ?", conversationID, ids).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	byID := make(map[string]*types.Message, len(rows))
	seqs := make(map[string]uint64, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return err
		}
		byID[m.ID] = m
		seqs[m.ID] = rows[i].Seq
	}

	touched := make(map[string]*types.Message, len(updates))
	for _, u := range updates {
		m, ok := byID[u.MessageID]
		if !ok {
			return ErrNotFound
		}
		if err := advanceMessage(m, u); err != nil {
			return err
		}
		touched[m.ID] = m
	}

	for id, m := range touched {
		err := tx.Model(&messageRow{}).Where("seq = ?", seqs[id]).Updates(map[string]any{
			"delivery_status": string(m.DeliveryStatus),
			"read_at":         m.ReadAt,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update message %s: %w", id, err)
		}
	}
	return nil
}

func (s *GormStore) insertMessages(tx *gorm.DB, conversationID string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	var count int64
	if err := tx.Model(&messageRow{}).
		Where("conversation_id = ? AND message_id IN ?", conversationID, ids).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check messages: %w", err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}

	rows := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		row, err := newMessageRow(conversationID, m)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := tx.Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert messages: %w", err)
	}
	return nil
}

// ListTransfers returns the transfer log of a conversation
func (s *GormStore) ListTransfers(ctx context.Context, conversationID string) ([]types.TransferEvent, error) {
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	var rows []transferRow
	if err := s.db(ctx).Where("conversation_id = ?", conversationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	events := make([]types.TransferEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toEvent()
	}
	return events, nil
}

func (s *GormStore) requireConversation(ctx context.Context, id string) error {
	var count int64
	if err := s.db(ctx).Model(&conversationRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a message by ID
func (s *GormStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	var row messageRow
	err := s.db(ctx).First(&row, "conversation_id = ? AND message_id = ?", conversationID, messageID).Error
	if err != nil {
		return nil, translateGormError(err)
	}
	return row.toMessage()
}

// ListMessages returns the messages of a conversation in append order
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db(ctx).Where("conversation_id = ?", conversationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs := make([]*types.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// AddReaction compare-and-swaps the reactions column
func (s *GormStore) AddReaction(ctx context.Context, conversationID, messageID string, r types.Reaction) (bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var row messageRow
		err := s.db(ctx).First(&row, "conversation_id = ? AND message_id = ?", conversationID, messageID).Error
		if err != nil {
			return false, translateGormError(err)
		}
		m, err := row.toMessage()
		if err != nil {
			return false, err
		}
		if m.HasReaction(r) {
			return false, nil
		}
		m.Reactions = append(m.Reactions, r)
		encoded, err := json.Marshal(m.Reactions)
		if err != nil {
			return false, fmt.Errorf("failed to marshal reactions: %w", err)
		}

		res := s.db(ctx).Model(&messageRow{}).
			Where("seq = ? AND reactions = ?", row.Seq, row.Reactions).
			Update("reactions", string(encoded))
		if res.Error != nil {
			return false, fmt.Errorf("failed to update reactions: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: reaction on %s/%s", ErrVersionConflict, conversationID, messageID)
}

// GetDelayPolicy returns the stored delay policy
func (s *GormStore) GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error) {
	var row delayPolicyRow
	if err := s.db(ctx).First(&row, delayPolicyRowID).Error; err != nil {
		return nil, translateGormError(err)
	}
	return &types.DelayPolicy{
		Enabled:                 row.Enabled,
		MinDelayMs:              row.MinDelayMs,
		MaxDelayMs:              row.MaxDelayMs,
		PerQueuedMessageDelayMs: row.PerQueuedMessageDelayMs,
		UpdatedAt:               row.UpdatedAt,
	}, nil
}

// SaveDelayPolicy upserts the single policy row
func (s *GormStore) SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error {
	if p == nil {
		return ErrInvalidInput
	}
	row := delayPolicyRow{
		ID:                      delayPolicyRowID,
		Enabled:                 p.Enabled,
		MinDelayMs:              p.MinDelayMs,
		MaxDelayMs:              p.MaxDelayMs,
		PerQueuedMessageDelayMs: p.PerQueuedMessageDelayMs,
		UpdatedAt:               p.UpdatedAt,
	}
	if err := s.db(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("failed to save delay policy: %w", err)
	}
	return nil
}

// translateGormError maps GORM errors onto the package sentinels
func translateGormError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, database.ErrPoolClosed):
		return fmt.Errorf("%w: %v", ErrStoreClosed, err)
	}
	return err
}

// =============================================================================
// 🔄 行与领域模型转换
// =============================================================================

func newConversationRow(c *types.Conversation) conversationRow {
	return conversationRow{
		ID:                 c.ID,
		Status:             string(c.Status),
		AutomationPaused:   c.AutomationPaused,
		AssignedOperator:   c.AssignedOperator,
		PausedAt:           c.PausedAt,
		PausedBy:           c.PausedBy,
		ResolvedAt:         c.ResolvedAt,
		ResolvedBy:         c.ResolvedBy,
		UnreadCount:        c.UnreadCount,
		LastMessageSummary: c.LastMessageSummary,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
		Version:            c.Version,
	}
}

func (r conversationRow) toConversation() *types.Conversation {
	return &types.Conversation{
		ID:                 r.ID,
		Status:             types.Status(r.Status),
		AutomationPaused:   r.AutomationPaused,
		AssignedOperator:   r.AssignedOperator,
		PausedAt:           r.PausedAt,
		PausedBy:           r.PausedBy,
		ResolvedAt:         r.ResolvedAt,
		ResolvedBy:         r.ResolvedBy,
		UnreadCount:        r.UnreadCount,
		LastMessageSummary: r.LastMessageSummary,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		Version:            r.Version,
	}
}

func newTransferRow(conversationID string, ev types.TransferEvent) transferRow {
	return transferRow{
		EventID:        ev.ID,
		ConversationID: conversationID,
		FromParty:      string(ev.From),
		ToParty:        string(ev.To),
		Actor:          ev.Actor,
		Reason:         ev.Reason,
		Timestamp:      ev.Timestamp,
	}
}

func (r transferRow) toEvent() types.TransferEvent {
	return types.TransferEvent{
		ID:             r.EventID,
		ConversationID: r.ConversationID,
		From:           types.Party(r.FromParty),
		To:             types.Party(r.ToParty),
		Actor:          r.Actor,
		Reason:         r.Reason,
		Timestamp:      r.Timestamp,
	}
}

func newMessageRow(conversationID string, m *types.Message) (messageRow, error) {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []types.Reaction{}
	}
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return messageRow{}, fmt.Errorf("failed to marshal reactions: %w", err)
	}
	return messageRow{
		ConversationID: conversationID,
		MessageID:      m.ID,
		Direction:      string(m.Direction),
		Text:           m.Text,
		DeliveryStatus: string(m.DeliveryStatus),
		ReadAt:         m.ReadAt,
		Reactions:      string(encoded),
		CreatedAt:      m.CreatedAt,
	}, nil
}

func (r *messageRow) toMessage() (*types.Message, error) {
	m := &types.Message{
		ID:             r.MessageID,
		ConversationID: r.ConversationID,
		Direction:      types.Direction(r.Direction),
		Text:           r.Text,
		DeliveryStatus: types.DeliveryStatus(r.DeliveryStatus),
		ReadAt:         r.ReadAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.Reactions != "" {
		if err := json.Unmarshal([]byte(r.Reactions), &m.Reactions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reactions of %s: %w", r.MessageID, err)
		}
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
	}
	return m, nil
}
