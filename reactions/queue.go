package reactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/chatrelay/types"
)

// PendingReaction is a reaction delivered to the customer but missing from local history.
type PendingReaction struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Reaction       types.Reaction `json:"reaction"`
	Error          string         `json:"error"`
	Attempts       int            `json:"attempts"`
	FailedAt       time.Time      `json:"failed_at"`
}

// ReconcileQueue holds reactions waiting for read-repair.
type ReconcileQueue interface {
	Push(ctx context.Context, p PendingReaction) error
	// Pop returns nil when the queue is empty.
	Pop(ctx context.Context) (*PendingReaction, error)
	Len(ctx context.Context) (int64, error)
}

// =============================================================================
// 🧠 内存队列
// =============================================================================

// MemoryQueue is a FIFO ReconcileQueue held in process memory.
type MemoryQueue struct {
	mu    sync.Mutex
	items []PendingReaction
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push implements ReconcileQueue.
func (q *MemoryQueue) Push(ctx context.Context, p PendingReaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
	return nil
}

// Pop implements ReconcileQueue.
func (q *MemoryQueue) Pop(ctx context.Context) (*PendingReaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return &p, nil
}

// Len implements ReconcileQueue.
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// =============================================================================
// 🔴 Redis 队列
// =============================================================================

// RedisQueue is a FIFO ReconcileQueue backed by a Redis list (LPUSH / RPOP).
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a queue stored under keyPrefix + "reactions:reconcile".
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	return &RedisQueue{client: client, key: keyPrefix + "reactions:reconcile"}
}

// Push implements ReconcileQueue.
func (q *RedisQueue) Push(ctx context.Context, p PendingReaction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending reaction: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push pending reaction: %w", err)
	}
	return nil
}

// Pop implements ReconcileQueue.
func (q *RedisQueue) Pop(ctx context.Context) (*PendingReaction, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop pending reaction: %w", err)
	}
	var p PendingReaction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending reaction: %w", err)
	}
	return &p, nil
}

// Len implements ReconcileQueue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reconcile queue length: %w", err)
	}
	return n, nil
}
