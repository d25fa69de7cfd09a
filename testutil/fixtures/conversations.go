// =============================================================================
// 📦 测试数据工厂 - 会话测试数据
// =============================================================================
// 提供各状态下满足不变量的会话与消息样例
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/chatrelay/types"
)

// BaseTime 是固定的测试时间基准
var BaseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// =============================================================================
// 💬 会话工厂
// =============================================================================

// AIActiveConversation 返回自动化负责的新会话
func AIActiveConversation(id string) *types.Conversation {
	return types.NewConversation(id, BaseTime)
}

// WaitingConversation 返回等待自动回复的会话
func WaitingConversation(id string) *types.Conversation {
	c := types.NewConversation(id, BaseTime)
	c.Status = types.StatusWaiting
	c.UnreadCount = 1
	c.LastMessageSummary = "hello"
	return c
}

// AssignedConversation 返回由 operator 接管的会话
func AssignedConversation(id, operator string) *types.Conversation {
	c := types.NewConversation(id, BaseTime)
	paused := BaseTime.Add(time.Minute)
	c.Status = types.StatusAgentAssigned
	c.AutomationPaused = true
	c.AssignedOperator = operator
	c.PausedAt = &paused
	c.PausedBy = operator
	c.UpdatedAt = paused
	return c
}

// ResolvedConversation 返回已解决的会话
func ResolvedConversation(id, by string) *types.Conversation {
	c := types.NewConversation(id, BaseTime)
	resolved := BaseTime.Add(time.Hour)
	c.Status = types.StatusResolved
	c.AutomationPaused = true
	c.ResolvedAt = &resolved
	c.ResolvedBy = by
	c.UpdatedAt = resolved
	return c
}

// ConversationsInEveryStatus 返回每种状态各一个会话
func ConversationsInEveryStatus() []*types.Conversation {
	return []*types.Conversation{
		AIActiveConversation("conv-ai"),
		WaitingConversation("conv-waiting"),
		AssignedConversation("conv-assigned", "op-1"),
		ResolvedConversation("conv-resolved", "op-1"),
	}
}

// =============================================================================
// ✉️ 消息工厂
// =============================================================================

// InboundMessage 返回一条已送达的入站消息
func InboundMessage(conversationID, id, text string) *types.Message {
	return &types.Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      types.DirectionInbound,
		Text:           text,
		DeliveryStatus: types.DeliveryDelivered,
		CreatedAt:      BaseTime,
	}
}

// OutboundMessage 返回一条已发送的出站消息
func OutboundMessage(conversationID, id, text string) *types.Message {
	return &types.Message{
		ID:             id,
		ConversationID: conversationID,
		Direction:      types.DirectionOutbound,
		Text:           text,
		DeliveryStatus: types.DeliverySent,
		CreatedAt:      BaseTime,
	}
}

// InboundBurst 返回 n 条连续入站消息, ID 为 in-1..in-n
func InboundBurst(conversationID string, n int) []*types.Message {
	msgs := make([]*types.Message, 0, n)
	for i := 1; i <= n; i++ {
		m := InboundMessage(conversationID, fmt.Sprintf("in-%d", i), fmt.Sprintf("message %d", i))
		m.CreatedAt = BaseTime.Add(time.Duration(i) * time.Second)
		msgs = append(msgs, m)
	}
	return msgs
}

// =============================================================================
// ⏱️ 延迟策略工厂
// =============================================================================

// FastDelayPolicy 返回适合测试的毫秒级延迟策略
func FastDelayPolicy() types.DelayPolicy {
	return types.DelayPolicy{
		Enabled:                 true,
		MinDelayMs:              5,
		MaxDelayMs:              20,
		PerQueuedMessageDelayMs: 5,
	}
}

// DisabledDelayPolicy 返回关闭延迟的策略
func DisabledDelayPolicy() types.DelayPolicy {
	return types.DelayPolicy{Enabled: false, MinDelayMs: 2000, MaxDelayMs: 5000, PerQueuedMessageDelayMs: 1000}
}
