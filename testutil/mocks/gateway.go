// MockGateway 是消息网关的测试模拟实现。
//
// 支持固定消息 ID、错误注入与调用记录。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// --- MockGateway 结构 ---

// SentMessage 记录一次 Send 调用
type SentMessage struct {
	ConversationID string
	Text           string
	MessageID      string
}

// SentReaction 记录一次 SendReaction 调用
type SentReaction struct {
	ConversationID string
	MessageID      string
	Emoji          string
}

// MockGateway 是 gateway.Gateway 的模拟实现
type MockGateway struct {
	mu sync.Mutex

	// 行为控制
	sendErrs     []error
	reactionErrs []error
	delay        time.Duration
	idPrefix     string

	// 调用记录
	messages  []SentMessage
	reactions []SentReaction
	calls     int
}

// NewMockGateway 创建新的 MockGateway
func NewMockGateway() *MockGateway {
	return &MockGateway{idPrefix: "out"}
}

// --- Builder 方法 ---

// WithSendErrors 依次为后续 Send 调用返回给定错误, 耗尽后恢复成功
func (m *MockGateway) WithSendErrors(errs ...error) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
	return m
}

// WithReactionErrors 依次为后续 SendReaction 调用返回给定错误
func (m *MockGateway) WithReactionErrors(errs ...error) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactionErrs = append(m.reactionErrs, errs...)
	return m
}

// WithDelay 为每次调用增加延迟, 遵守 ctx 取消
func (m *MockGateway) WithDelay(d time.Duration) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithIDPrefix 设置生成的消息 ID 前缀
func (m *MockGateway) WithIDPrefix(prefix string) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idPrefix = prefix
	return m
}

// --- gateway.Gateway 实现 ---

// Send 记录消息并返回生成的消息 ID
func (m *MockGateway) Send(ctx context.Context, conversationID, text string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return "", err
	}
	id := fmt.Sprintf("%s-%d", m.idPrefix, len(m.messages)+1)
	m.messages = append(m.messages, SentMessage{ConversationID: conversationID, Text: text, MessageID: id})
	return id, nil
}

// SendReaction 记录表情
func (m *MockGateway) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.reactionErrs) > 0 {
		err := m.reactionErrs[0]
		m.reactionErrs = m.reactionErrs[1:]
		return err
	}
	m.reactions = append(m.reactions, SentReaction{ConversationID: conversationID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (m *MockGateway) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.delay
	m.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- 调用记录查询 ---

// Messages 返回已成功发送的消息
func (m *MockGateway) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.messages...)
}

// Reactions 返回已成功发送的表情
func (m *MockGateway) Reactions() []SentReaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentReaction(nil), m.reactions...)
}

// Calls 返回调用总次数 (包括失败的调用)
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Reset 清空调用记录与错误注入
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.reactions = nil
	m.sendErrs = nil
	m.reactionErrs = nil
	m.calls = 0
}
