package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/chatrelay/types"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
//
// Key layout (prefix omitted):
//
//	conv:{id}            conversation JSON
//	conv:{id}:transfers  list of transfer event JSON
//	conv:{id}:msgs       hash message id -> message JSON
//	conv:{id}:order      list of message ids in append order
//	config:delay_policy  delay policy JSON
//
// Commit runs under WATCH on the conversation and message keys, so a concurrent
// writer aborts the MULTI/EXEC and the caller sees ErrVersionConflict.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, config StoreConfig) *RedisStore {
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "chatrelay:"
	}
	maxRetries := config.MaxCommitRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RedisStore{
		client:     client,
		keyPrefix:  keyPrefix,
		maxRetries: maxRetries,
	}
}

// newRedisClient creates a client from configuration and tests the connection
func newRedisClient(config RedisStoreConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) conversationKey(id string) string {
	return s.keyPrefix + "conv:" + id
}

func (s *RedisStore) transfersKey(id string) string {
	return s.keyPrefix + "conv:" + id + ":transfers"
}

func (s *RedisStore) messagesKey(id string) string {
	return s.keyPrefix + "conv:" + id + ":msgs"
}

func (s *RedisStore) orderKey(id string) string {
	return s.keyPrefix + "conv:" + id + ":order"
}

func (s *RedisStore) policyKey() string {
	return s.keyPrefix + "config:delay_policy"
}

// loadConversation returns nil, nil when the conversation does not exist
func (s *RedisStore) loadConversation(ctx context.Context, c redis.Cmdable, id string) (*types.Conversation, error) {
	data, err := c.Get(ctx, s.conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv types.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *RedisStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := s.loadConversation(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

// Commit applies w inside a WATCH/MULTI/EXEC transaction
func (s *RedisStore) Commit(ctx context.Context, w Write) error {
	if err := validateWrite(w); err != nil {
		return err
	}

	id := w.Conversation.ID
	convKey := s.conversationKey(id)
	msgKey := s.messagesKey(id)

	txf := func(tx *redis.Tx) error {
		stored, err := s.loadConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkVersion(stored, w.ExpectedVersion); err != nil {
			return err
		}

		if len(w.Messages) > 0 {
			ids := make([]string, len(w.Messages))
			for i, m := range w.Messages {
				ids[i] = m.ID
			}
			vals, err := tx.HMGet(ctx, msgKey, ids...).Result()
			if err != nil {
				return fmt.Errorf("failed to check messages: %w", err)
			}
			for _, v := range vals {
				if v != nil {
					return ErrAlreadyExists
				}
			}
		}

		updated, err := s.applyUpdates(ctx, tx, msgKey, w.MessageUpdates)
		if err != nil {
			return err
		}

		conv := w.Conversation.Clone()
		conv.Version = w.ExpectedVersion + 1
		convData, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, convKey, convData, 0)
			for _, ev := range w.Transfers {
				data, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("failed to marshal transfer event: %w", err)
				}
				pipe.RPush(ctx, s.transfersKey(id), data)
			}
			for _, m := range w.Messages {
				cp := m.Clone()
				cp.ConversationID = id
				data, err := json.Marshal(cp)
				if err != nil {
					return fmt.Errorf("failed to marshal message: %w", err)
				}
				pipe.HSet(ctx, msgKey, cp.ID, data)
				pipe.RPush(ctx, s.orderKey(id), cp.ID)
			}
			for _, m := range updated {
				data, err := json.Marshal(m)
				if err != nil {
					return fmt.Errorf("failed to marshal message: %w", err)
				}
				pipe.HSet(ctx, msgKey, m.ID, data)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, convKey, msgKey)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write to %s", ErrVersionConflict, id)
	}
	if err != nil {
		return err
	}
	w.Conversation.Version = w.ExpectedVersion + 1
	return nil
}

// applyUpdates loads the targeted messages and advances them in memory
func (s *RedisStore) applyUpdates(ctx context.Context, tx *redis.Tx, msgKey string, updates []types.MessageUpdate) (map[string]*types.Message, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(updates))
	seen := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if _, ok := seen[u.MessageID]; ok {
			continue
		}
		seen[u.MessageID] = struct{}{}
		ids = append(ids, u.MessageID)
	}

	vals, err := tx.HMGet(ctx, msgKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make(map[string]*types.Message, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, ErrNotFound
		}
		var m types.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %s: %w", ids[i], err)
		}
		msgs[ids[i]] = &m
	}

	for _, u := range updates {
		if err := advanceMessage(msgs[u.MessageID], u); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// ListTransfers returns the transfer log of a conversation
func (s *RedisStore) ListTransfers(ctx context.Context, conversationID string) ([]types.TransferEvent, error) {
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.transfersKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	events := make([]types.TransferEvent, 0, len(raw))
	for _, data := range raw {
		var ev types.TransferEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transfer event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *RedisStore) requireConversation(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.conversationKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a message by ID
func (s *RedisStore) GetMessage(ctx context.Context, conversationID, messageID string) (*types.Message, error) {
	data, err := s.client.HGet(ctx, s.messagesKey(conversationID), messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}

// ListMessages returns the messages of a conversation in append order
func (s *RedisStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ids, err := s.client.LRange(ctx, s.orderKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Message{}, nil
	}

	vals, err := s.client.HMGet(ctx, s.messagesKey(conversationID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]*types.Message, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m types.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// AddReaction attaches a reaction under WATCH, retrying on concurrent writes
func (s *RedisStore) AddReaction(ctx context.Context, conversationID, messageID string, r types.Reaction) (bool, error) {
	msgKey := s.messagesKey(conversationID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		added := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGet(ctx, msgKey, messageID).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get message: %w", err)
			}
			var m types.Message
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if m.HasReaction(r) {
				return nil
			}
			m.Reactions = append(m.Reactions, r)
			updated, err := json.Marshal(&m)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, msgKey, messageID, updated)
				return nil
			})
			if err == nil {
				added = true
			}
			return err
		}, msgKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return added, err
	}
	return false, fmt.Errorf("%w: reaction on %s/%s", ErrVersionConflict, conversationID, messageID)
}

// GetDelayPolicy returns the stored delay policy
func (s *RedisStore) GetDelayPolicy(ctx context.Context) (*types.DelayPolicy, error) {
	data, err := s.client.Get(ctx, s.policyKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delay policy: %w", err)
	}
	var p types.DelayPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delay policy: %w", err)
	}
	return &p, nil
}

// SaveDelayPolicy replaces the stored delay policy
func (s *RedisStore) SaveDelayPolicy(ctx context.Context, p *types.DelayPolicy) error {
	if p == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal delay policy: %w", err)
	}
	return s.client.Set(ctx, s.policyKey(), data, 0).Err()
}
