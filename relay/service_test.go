package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/conversation"
	"github.com/BaSui01/chatrelay/dispatch"
	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/reactions"
	"github.com/BaSui01/chatrelay/testutil"
	"github.com/BaSui01/chatrelay/testutil/fixtures"
	"github.com/BaSui01/chatrelay/testutil/mocks"
	"github.com/BaSui01/chatrelay/types"
)

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	transfers   []string
	inbound     []string
	rejected    int
	outcomes    []string
	marked      int
	reactions   []string
}

func (m *recordingMetrics) RecordTransition(action, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, action+":"+from+"->"+to)
}

func (m *recordingMetrics) RecordTransfer(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, from+"->"+to)
}

func (m *recordingMetrics) RecordInbound(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, status)
}

func (m *recordingMetrics) RecordMailboxRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *recordingMetrics) RecordDispatchScheduled(delay time.Duration) {}

func (m *recordingMetrics) RecordDispatchOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) SetDispatchPending(n int) {}

func (m *recordingMetrics) RecordMarkedRead(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked += n
}

func (m *recordingMetrics) RecordReaction(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, result)
}

func (m *recordingMetrics) SetReconcileQueueDepth(n int64) {}

type fixture struct {
	svc     *Service
	store   *persistence.MemoryStore
	gw      *mocks.MockGateway
	metrics *recordingMetrics
}

func newFixture(t *testing.T, policy types.DelayPolicy, gen ReplyGenerator, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PacingDefaults = policy
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		store:   persistence.NewMemoryStore(),
		gw:      mocks.NewMockGateway(),
		metrics: &recordingMetrics{},
	}
	if gen == nil {
		gen = StaticGenerator{Text: "thanks, looking into it"}
	}
	f.svc = New(f.store, f.gw, gen, zap.NewNop(), WithConfig(cfg), WithMetrics(f.metrics))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.svc.Close(ctx)
	})
	return f
}

func slowPolicy() types.DelayPolicy {
	return types.DelayPolicy{Enabled: true, MinDelayMs: 300, MaxDelayMs: 500, PerQueuedMessageDelayMs: 100}
}

func waitDispatch(t *testing.T, res *InboundResult) dispatch.Result {
	t.Helper()
	require.NotNil(t, res.Dispatch)
	h := res.Dispatch.Handle()
	require.NotNil(t, h)
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not finish")
		return dispatch.Result{}
	}
}

// =============================================================================
// 📥 入站消息
// =============================================================================

func TestService_InboundSchedulesAndSendsReply(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)

	res, err := f.svc.HandleInbound(ctx, "+15550001", "in-1", "hello")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, types.StatusWaiting, res.Conversation.Status)
	assert.Equal(t, dispatch.OutcomeScheduled, res.Dispatch.Outcome)
	assert.Equal(t, 10*time.Millisecond, res.Dispatch.Delay) // min 5 + 1 queued * 5

	result := waitDispatch(t, res)
	assert.Equal(t, dispatch.OutcomeSent, result.Outcome)

	sent := f.gw.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "thanks, looking into it", sent[0].Text)

	conv, err := f.svc.Conversation(ctx, "+15550001")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAIActive, conv.Status)
	testutil.AssertConversationInvariants(t, conv)

	msgs, err := f.svc.Messages(ctx, "+15550001")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.DirectionOutbound, msgs[1].Direction)
	assert.Equal(t, []string{"waiting"}, f.metrics.inbound)
}

func TestService_InboundOnAssignedConversationSkipsDispatch(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	testutil.SeedConversation(t, f.store, fixtures.AssignedConversation("c1", "op-1"))

	res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "are you there?")
	require.NoError(t, err)
	assert.Nil(t, res.Dispatch)
	assert.Equal(t, types.StatusAgentAssigned, res.Conversation.Status)
	assert.Equal(t, 1, res.Conversation.UnreadCount)
	assert.Empty(t, f.gw.Messages())
}

func TestService_InboundWithFailingGeneratorKeepsMessage(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error) {
		return "", errors.New("model unavailable")
	})
	f := newFixture(t, fixtures.FastDelayPolicy(), gen)
	ctx := testutil.TestContext(t)

	res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "hello")
	require.NoError(t, err)
	assert.Nil(t, res.Dispatch)
	assert.Contains(t, res.Warning, "model unavailable")

	msgs, err := f.svc.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestService_BurstReplacesPendingDispatchWithLongerDelay(t *testing.T) {
	f := newFixture(t, slowPolicy(), nil)
	ctx := testutil.TestContext(t)

	first, err := f.svc.HandleInbound(ctx, "c1", "in-1", "one")
	require.NoError(t, err)
	second, err := f.svc.HandleInbound(ctx, "c1", "in-2", "two")
	require.NoError(t, err)

	assert.Equal(t, 400*time.Millisecond, first.Dispatch.Delay)
	assert.Equal(t, 500*time.Millisecond, second.Dispatch.Delay)

	assert.Equal(t, dispatch.OutcomeCancelled, waitDispatch(t, first).Outcome)
	assert.Equal(t, dispatch.OutcomeSent, waitDispatch(t, second).Outcome)
	assert.Len(t, f.gw.Messages(), 1)
}

func TestService_SlowOlderReplyDoesNotReplaceNewer(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, conv *types.Conversation, history []*types.Message) (string, error) {
		last := history[len(history)-1].Text
		if last == "one" {
			close(entered)
			<-release
		}
		return "reply to " + last, nil
	})
	f := newFixture(t, slowPolicy(), gen)
	ctx := testutil.TestContext(t)

	firstDone := make(chan *InboundResult, 1)
	go func() {
		res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "one")
		assert.NoError(t, err)
		firstDone <- res
	}()
	<-entered

	second, err := f.svc.HandleInbound(ctx, "c1", "in-2", "two")
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeScheduled, second.Dispatch.Outcome)
	assert.Equal(t, 500*time.Millisecond, second.Dispatch.Delay)

	close(release)
	var first *InboundResult
	select {
	case first = <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first inbound did not return")
	}
	require.NotNil(t, first)
	require.NotNil(t, first.Dispatch)
	assert.Equal(t, dispatch.OutcomeSkipped, first.Dispatch.Outcome)

	assert.Equal(t, dispatch.OutcomeSent, waitDispatch(t, second).Outcome)
	sent := f.gw.Messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "reply to two", sent[0].Text)

	msgs, err := f.svc.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "reply to two", msgs[2].Text)
}

// =============================================================================
// 🧑‍💼 操作员操作
// =============================================================================

func TestService_AssumeChatCancelsPendingReply(t *testing.T) {
	f := newFixture(t, slowPolicy(), nil)
	ctx := testutil.TestContext(t)

	res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "hello")
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeScheduled, res.Dispatch.Outcome)

	applied, err := f.svc.Apply(ctx, "c1", conversation.AssumeChat, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAgentAssigned, applied.Conversation.Status)
	require.NotNil(t, applied.Transfer)
	assert.Equal(t, types.PartyAgent, applied.Transfer.From)
	assert.Equal(t, types.PartyHuman, applied.Transfer.To)

	assert.Equal(t, dispatch.OutcomeCancelled, waitDispatch(t, res).Outcome)
	_, pending := f.svc.PendingDispatch("c1")
	assert.False(t, pending)
	assert.Empty(t, f.gw.Messages())

	assert.Equal(t, []string{"assume_chat:waiting->agent_assigned"}, f.metrics.transitions)
	assert.Equal(t, []string{"agent->human"}, f.metrics.transfers)

	transfers, err := f.svc.Transfers(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}

func TestService_ApplyRequiresActor(t *testing.T) {
	f := newFixture(t, slowPolicy(), nil)
	ctx := testutil.TestContext(t)

	res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "hello")
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, "c1", conversation.AssumeChat, "")
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	conv, err := f.svc.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, conv.Status)
	assert.Empty(t, conv.AssignedOperator)
	testutil.AssertConversationInvariants(t, conv)

	transfers, err := f.svc.Transfers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.Empty(t, f.metrics.transitions)

	// 待发送的回复不受影响
	_, pending := f.svc.PendingDispatch("c1")
	assert.True(t, pending)
	assert.True(t, res.Dispatch.Handle().Cancel())
}

func TestService_ApplyNamed(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	testutil.SeedConversation(t, f.store, fixtures.AssignedConversation("c1", "op-1"))

	res, err := f.svc.ApplyNamed(ctx, "c1", "return_to_ai", "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAIActive, res.Conversation.Status)
	require.NotNil(t, res.Transfer)
	assert.Equal(t, types.PartyHuman, res.Transfer.From)

	_, err = f.svc.ApplyNamed(ctx, "c1", "escalate", "op-1")
	testutil.AssertErrorCode(t, err, types.ErrInvalidAction)

	_, err = f.svc.ApplyNamed(ctx, "missing", "pause_ai", "op-1")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestService_UnchangedActionRecordsNoTransition(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	testutil.SeedConversation(t, f.store, fixtures.AssignedConversation("c1", "op-1"))

	res, err := f.svc.Apply(ctx, "c1", conversation.AssumeChat, "op-1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Nil(t, res.Transfer)
	assert.Empty(t, f.metrics.transitions)
}

func TestService_ConcurrentOperatorsSerialize(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	testutil.SeedConversation(t, f.store, fixtures.WaitingConversation("c1"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := conversation.AssumeChat
			if i%2 == 1 {
				action = conversation.ReturnToAI
			}
			_, err := f.svc.Apply(ctx, "c1", action, "op-1")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	conv, err := f.svc.Conversation(ctx, "c1")
	require.NoError(t, err)
	testutil.AssertConversationInvariants(t, conv)
}

// =============================================================================
// 👀 已读与表情
// =============================================================================

func TestService_MarkRead(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	seed := fixtures.AssignedConversation("c1", "op-1")
	seed.UnreadCount = 3
	testutil.SeedConversation(t, f.store, seed, fixtures.InboundBurst("c1", 3)...)

	res, err := f.svc.MarkRead(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, res.Marked, 3)
	assert.Zero(t, res.Conversation.UnreadCount)
	assert.Equal(t, 3, f.metrics.marked)
}

func TestService_React(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)
	testutil.SeedConversation(t, f.store, fixtures.AssignedConversation("c1", "op-1"),
		fixtures.InboundMessage("c1", "in-1", "thanks!"))

	req := reactions.Request{ConversationID: "c1", MessageID: "in-1", Emoji: "👍", Actor: "op-1", ActorKind: types.ActorOperator}
	res, err := f.svc.React(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.False(t, res.Reaction.IsOwnMessage)

	again, err := f.svc.React(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Len(t, f.gw.Reactions(), 1)

	req.Emoji = "🔥"
	_, err = f.svc.React(ctx, req)
	testutil.AssertErrorCode(t, err, types.ErrUnsupportedEmoji)
}

// =============================================================================
// ⏱️ 延迟策略
// =============================================================================

func TestService_DelayPolicy(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	ctx := testutil.TestContext(t)

	p, err := f.svc.DelayPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.MinDelayMs)

	_, err = f.svc.UpdateDelayPolicy(ctx, types.DelayPolicy{Enabled: true, MinDelayMs: 10, MaxDelayMs: 1})
	testutil.AssertErrorCode(t, err, types.ErrInvalidConfig)

	updated, err := f.svc.UpdateDelayPolicy(ctx, fixtures.DisabledDelayPolicy())
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	res, err := f.svc.HandleInbound(ctx, "c1", "in-1", "hi")
	require.NoError(t, err)
	assert.Zero(t, res.Dispatch.Delay)
}

// =============================================================================
// 🚦 背压与关闭
// =============================================================================

func TestService_FullMailboxReturnsBusy(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil, func(c *Config) {
		c.Pool.MailboxSize = 1
	})
	ctx := testutil.TestContext(t)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_, err := f.svc.workers.Submit(ctx, "c1", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	_, err = f.svc.workers.Submit(ctx, "c1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = f.svc.MarkRead(ctx, "c1")
	testutil.AssertErrorCode(t, err, types.ErrBusy)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 1, f.metrics.rejected)

	// 其他会话不受影响
	_, err = f.svc.HandleInbound(ctx, "c2", "in-1", "hi")
	assert.NoError(t, err)
}

func TestService_ClosedRejectsWork(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	require.NoError(t, f.svc.Close(context.Background()))

	_, err := f.svc.HandleInbound(context.Background(), "c1", "in-1", "hi")
	testutil.AssertErrorCode(t, err, types.ErrInternalError)
}

func TestService_RequiresConversationID(t *testing.T) {
	f := newFixture(t, fixtures.FastDelayPolicy(), nil)
	_, err := f.svc.MarkRead(context.Background(), "")
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}
