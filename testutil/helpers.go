// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 会话、消息与错误码的通用断言, 以及种子数据写入
//
// 使用方法:
//
//	conv := testutil.SeedConversation(t, store, fixtures.WaitingConversation("c1"))
//	testutil.AssertErrorCode(t, err, types.ErrNotFound)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// TestContext 返回 30 秒超时的测试上下文, 测试结束时取消
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertMessagesEqual 断言两组消息的方向与内容逐条一致
func AssertMessagesEqual(t *testing.T, expected, actual []*types.Message) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("message count mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i].Direction != actual[i].Direction {
			t.Errorf("message[%d] direction mismatch: expected %q, got %q", i, expected[i].Direction, actual[i].Direction)
		}
		if expected[i].Text != actual[i].Text {
			t.Errorf("message[%d] text mismatch: expected %q, got %q", i, expected[i].Text, actual[i].Text)
		}
	}
}

// AssertConversationInvariants 断言会话满足归属不变量
func AssertConversationInvariants(t *testing.T, c *types.Conversation) {
	t.Helper()
	if c == nil {
		t.Fatal("conversation is nil")
	}
	if err := c.CheckInvariants(); err != nil {
		t.Errorf("conversation %s: %v", c.ID, err)
	}
}

// AssertErrorCode 断言错误携带指定错误码
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error with code %s but got nil", code)
		return
	}
	if got := types.GetErrorCode(err); got != code {
		t.Errorf("error code mismatch: expected %s, got %s (%v)", code, got, err)
	}
}

// AssertEventuallyTrue 每 10ms 轮询一次, 超时仍不成立则失败
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("condition did not become true within %v", timeout)
}

// =============================================================================
// 🗄️ 存储辅助
// =============================================================================

// Committer 是 persistence.Store 中写入所需的最小接口
type Committer interface {
	Commit(ctx context.Context, w persistence.Write) error
}

// SeedConversation 以创建方式写入会话及其消息, 失败时终止测试。
// 返回值的 Version 为存储分配的版本。
func SeedConversation(t *testing.T, store Committer, c *types.Conversation, msgs ...*types.Message) *types.Conversation {
	t.Helper()
	seeded := c.Clone()
	w := persistence.Write{Conversation: seeded, ExpectedVersion: 0}
	for _, m := range msgs {
		w.Messages = append(w.Messages, m.Clone())
	}
	if err := store.Commit(context.Background(), w); err != nil {
		t.Fatalf("seed conversation %s: %v", c.ID, err)
	}
	return seeded
}
