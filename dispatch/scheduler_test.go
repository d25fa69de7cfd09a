package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/conversation"
	"github.com/BaSui01/chatrelay/gateway"
	"github.com/BaSui01/chatrelay/internal/pool"
	"github.com/BaSui01/chatrelay/internal/retry"
	"github.com/BaSui01/chatrelay/pacing"
	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type fixedDelay time.Duration

func (d fixedDelay) Delay(ctx context.Context, queueDepth int) (time.Duration, error) {
	return time.Duration(d), nil
}

// scaledDelay 按比例缩短真实策略算出的延迟, 保留相对大小
type scaledDelay struct {
	inner  Delayer
	factor int64
}

func (d scaledDelay) Delay(ctx context.Context, queueDepth int) (time.Duration, error) {
	delay, err := d.inner.Delay(ctx, queueDepth)
	return delay / time.Duration(d.factor), err
}

type fakeGateway struct {
	mu    sync.Mutex
	sent  []string
	fails []error
}

func (g *fakeGateway) Send(ctx context.Context, conversationID, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.fails) > 0 {
		err := g.fails[0]
		g.fails = g.fails[1:]
		return "", err
	}
	g.sent = append(g.sent, text)
	return fmt.Sprintf("out-%d", len(g.sent)), nil
}

func (g *fakeGateway) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return nil
}

func (g *fakeGateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

type fixture struct {
	machine   *conversation.Machine
	store     *persistence.MemoryStore
	gateway   *fakeGateway
	pool      *pool.KeyedPool
	scheduler *Scheduler
}

func newFixture(t *testing.T, delayer Delayer) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, zap.NewNop())
	gw := &fakeGateway{}
	p := pool.NewKeyedPool(pool.DefaultKeyedPoolConfig())
	retryer := retry.New(retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	s := NewScheduler(machine, delayer, gw, p, zap.NewNop(), WithRetryer(retryer))
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		p.Close()
	})
	return &fixture{machine: machine, store: store, gateway: gw, pool: p, scheduler: s}
}

func (f *fixture) ingest(t *testing.T, id string) {
	t.Helper()
	_, err := f.machine.Ingest(context.Background(), id, "", "hello")
	require.NoError(t, err)
}

func waitDone(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch for %s did not finish", h.ConversationID)
	}
	return h.Result()
}

// =============================================================================
// 🧪 调度场景
// =============================================================================

func TestScheduler_SendsAndRecords(t *testing.T) {
	f := newFixture(t, fixedDelay(10*time.Millisecond))
	f.ingest(t, "c1")

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "hi, how can I help?", QueueDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, h.Outcome())
	assert.Equal(t, 1, f.scheduler.PendingCount())

	res := waitDone(t, h)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "out-1", res.MessageID)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"hi, how can I help?"}, f.gateway.Sent())
	assert.Zero(t, f.scheduler.PendingCount())

	conv, err := f.machine.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAIActive, conv.Status)

	history, err := f.machine.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.DirectionOutbound, history[1].Direction)
	assert.Equal(t, "out-1", history[1].ID)
}

// ai_active 会话以 queueDepth=1 布置发送 (3000ms), 触发前 pause_ai: 结果为 Suppressed 且不调用网关。
func TestScheduler_PauseBeforeFireSuppresses(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := pacing.NewManager(store, nil)
	want, err := manager.Delay(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 3000*time.Millisecond, want)

	f := newFixture(t, scaledDelay{inner: manager, factor: 30})
	f.ingest(t, "c1")

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "automated", QueueDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, h.Delay)

	_, err = f.machine.Apply(context.Background(), "c1", conversation.PauseAI, "op1")
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Empty(t, f.gateway.Sent())

	history, err := f.machine.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestScheduler_SkipsPausedConversation(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Millisecond))
	f.ingest(t, "c1")
	_, err := f.machine.Apply(context.Background(), "c1", conversation.MarkResolved, "op1")
	require.NoError(t, err)

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, h.Outcome())
	select {
	case <-h.Done():
	default:
		t.Fatal("skipped handle should be final")
	}
	assert.Zero(t, f.scheduler.PendingCount())
	assert.False(t, h.Cancel())
}

func TestScheduler_UnknownConversation(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Millisecond))
	_, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "nobody", Payload: "x"})
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = f.scheduler.Schedule(context.Background(), Request{Payload: "x"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Hour))
	f.ingest(t, "c1")

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)

	assert.True(t, f.scheduler.Cancel("c1"))
	assert.False(t, f.scheduler.Cancel("c1"))
	assert.False(t, h.Cancel())
	assert.False(t, f.scheduler.Cancel("never-scheduled"))
	assert.Equal(t, OutcomeCancelled, waitDone(t, h).Outcome)
	assert.Empty(t, f.gateway.Sent())
}

func TestScheduler_CancelAfterFireIsNoop(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Millisecond))
	f.ingest(t, "c1")

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	waitDone(t, h)

	assert.False(t, h.Cancel())
	assert.False(t, f.scheduler.Cancel("c1"))
	assert.Equal(t, OutcomeSent, h.Outcome())
}

func TestScheduler_ReplacesPending(t *testing.T) {
	f := newFixture(t, fixedDelay(50*time.Millisecond))
	f.ingest(t, "c1")

	first, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "first"})
	require.NoError(t, err)
	second, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "second"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, waitDone(t, first).Outcome)
	assert.Equal(t, OutcomeSent, waitDone(t, second).Outcome)
	assert.Equal(t, []string{"second"}, f.gateway.Sent())

	// 旧句柄不能取消新的发送
	assert.False(t, first.Cancel())
}

func TestScheduler_OlderVersionDoesNotReplaceNewer(t *testing.T) {
	f := newFixture(t, fixedDelay(50*time.Millisecond))
	f.ingest(t, "c1")

	newer, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "newer", QueueDepth: 2, Version: 2})
	require.NoError(t, err)
	older, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "older", QueueDepth: 1, Version: 1})
	require.NoError(t, err)

	select {
	case <-older.Done():
	default:
		t.Fatal("superseded request should be final immediately")
	}
	assert.Equal(t, OutcomeSkipped, older.Outcome())
	pending, ok := f.scheduler.Pending("c1")
	require.True(t, ok)
	assert.Same(t, newer, pending)

	assert.Equal(t, OutcomeSent, waitDone(t, newer).Outcome)
	assert.Equal(t, []string{"newer"}, f.gateway.Sent())
}

func TestScheduler_SameOrNewerVersionReplaces(t *testing.T) {
	f := newFixture(t, fixedDelay(50*time.Millisecond))
	f.ingest(t, "c1")

	first, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "first", Version: 3})
	require.NoError(t, err)
	second, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "second", Version: 3})
	require.NoError(t, err)
	third, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "third", Version: 4})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, waitDone(t, first).Outcome)
	assert.Equal(t, OutcomeCancelled, waitDone(t, second).Outcome)
	assert.Equal(t, OutcomeSent, waitDone(t, third).Outcome)
	assert.Equal(t, []string{"third"}, f.gateway.Sent())
}

func TestScheduler_RetriesUpstreamErrors(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Millisecond))
	f.ingest(t, "c1")
	f.gateway.fails = []error{
		types.NewError(types.ErrUpstreamTimeout, "slow"),
		types.NewError(types.ErrUpstreamError, "503"),
	}

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Len(t, f.gateway.Sent(), 1)
}

func TestScheduler_FailsAfterRetries(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Millisecond))
	f.ingest(t, "c1")
	for i := 0; i < 3; i++ {
		f.gateway.fails = append(f.gateway.fails, types.NewError(types.ErrUpstreamError, "down"))
	}

	h, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrUpstreamError))

	history, err := f.machine.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

type unrecordable struct {
	*conversation.Machine
}

func (u unrecordable) RecordOutbound(ctx context.Context, id, messageID, text string) (*types.Conversation, error) {
	return nil, types.NewError(types.ErrInternalError, "store unavailable")
}

func TestScheduler_SentButNotRecorded(t *testing.T) {
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, nil)
	_, err := machine.Ingest(context.Background(), "c1", "", "hello")
	require.NoError(t, err)

	gw := &fakeGateway{}
	p := pool.NewKeyedPool(pool.DefaultKeyedPoolConfig())
	defer p.Close()
	s := NewScheduler(unrecordable{machine}, fixedDelay(time.Millisecond), gw, p, nil,
		WithRetryer(retry.New(retry.Policy{MaxRetries: 0}, nil)))
	defer s.Close(context.Background())

	h, err := s.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrPartialFailure))
	assert.Len(t, gw.Sent(), 1)
}

type busyExecutor struct{}

func (busyExecutor) Do(ctx context.Context, key string, task pool.Task) error {
	return fmt.Errorf("%w: key %s", pool.ErrMailboxFull, key)
}

func TestScheduler_BusyExecutor(t *testing.T) {
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, nil)
	_, err := machine.Ingest(context.Background(), "c1", "", "hello")
	require.NoError(t, err)

	s := NewScheduler(machine, fixedDelay(time.Millisecond), &fakeGateway{}, busyExecutor{}, nil)
	defer s.Close(context.Background())

	h, err := s.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrBusy))
}

// slowGateway 忽略 ctx, 模拟超时之后才返回成功的上游
type slowGateway struct {
	fakeGateway
	hold time.Duration
}

func (g *slowGateway) Send(ctx context.Context, conversationID, text string) (string, error) {
	time.Sleep(g.hold)
	return g.fakeGateway.Send(context.Background(), conversationID, text)
}

func TestScheduler_FireTimeoutWaitsForInflightSend(t *testing.T) {
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, nil)
	_, err := machine.Ingest(context.Background(), "c1", "", "hello")
	require.NoError(t, err)

	gw := &slowGateway{hold: 150 * time.Millisecond}
	p := pool.NewKeyedPool(pool.DefaultKeyedPoolConfig())
	defer p.Close()
	s := NewScheduler(machine, fixedDelay(time.Millisecond), gw, p, nil,
		WithConfig(Config{FireTimeout: 30 * time.Millisecond}),
		WithRetryer(retry.New(retry.Policy{MaxRetries: 0}, nil)))
	defer s.Close(context.Background())

	h, err := s.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "late but delivered"})
	require.NoError(t, err)
	res := waitDone(t, h)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "out-1", res.MessageID)
	assert.Equal(t, []string{"late but delivered"}, gw.Sent())
}

func TestScheduler_FireTimeoutWhileQueuedFails(t *testing.T) {
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, nil)
	_, err := machine.Ingest(context.Background(), "c1", "", "hello")
	require.NoError(t, err)

	gw := &fakeGateway{}
	p := pool.NewKeyedPool(pool.DefaultKeyedPoolConfig())
	defer p.Close()

	// 先占住会话的执行器
	release := make(chan struct{})
	_, err = p.Submit(context.Background(), "c1", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	s := NewScheduler(machine, fixedDelay(time.Millisecond), gw, p, nil,
		WithConfig(Config{FireTimeout: 30 * time.Millisecond}))
	defer s.Close(context.Background())

	h, err := s.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	res := waitDone(t, h)
	close(release)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, types.IsCode(res.Err, types.ErrUpstreamTimeout))

	// 排队中的任务随后被跳过, 不会再发送
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, gw.Sent())
}

func TestScheduler_Close(t *testing.T) {
	f := newFixture(t, fixedDelay(time.Hour))
	f.ingest(t, "c1")
	f.ingest(t, "c2")

	h1, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	h2, err := f.scheduler.Schedule(context.Background(), Request{ConversationID: "c2", Payload: "y"})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Close(context.Background()))
	assert.Equal(t, OutcomeCancelled, h1.Outcome())
	assert.Equal(t, OutcomeCancelled, h2.Outcome())

	_, err = f.scheduler.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "z"})
	assert.ErrorIs(t, err, ErrClosed)

	// 重复关闭是安全的
	assert.NoError(t, f.scheduler.Close(context.Background()))
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
	pending  int
}

func (o *countingObserver) RecordDispatchScheduled(time.Duration) {}

func (o *countingObserver) RecordDispatchOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) SetDispatchPending(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = n
}

func TestScheduler_Observer(t *testing.T) {
	store := persistence.NewMemoryStore()
	machine := conversation.NewMachine(store, nil)
	_, err := machine.Ingest(context.Background(), "c1", "", "hello")
	require.NoError(t, err)

	obs := &countingObserver{outcomes: map[string]int{}}
	p := pool.NewKeyedPool(pool.DefaultKeyedPoolConfig())
	defer p.Close()
	s := NewScheduler(machine, fixedDelay(time.Millisecond), &fakeGateway{}, p, nil, WithObserver(obs))
	defer s.Close(context.Background())

	h, err := s.Schedule(context.Background(), Request{ConversationID: "c1", Payload: "x"})
	require.NoError(t, err)
	waitDone(t, h)

	// 结果先对句柄可见, 指标随后上报
	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.outcomes[string(OutcomeSent)] == 1 && obs.pending == 0
	}, time.Second, 5*time.Millisecond)
}

func TestExecutorError(t *testing.T) {
	assert.True(t, types.IsCode(executorError(pool.ErrMailboxFull), types.ErrBusy))
	assert.True(t, types.IsCode(executorError(context.DeadlineExceeded), types.ErrUpstreamTimeout))
	assert.True(t, types.IsCode(executorError(pool.ErrPoolClosed), types.ErrInternalError))
	assert.True(t, types.IsCode(executorError(nil), types.ErrInternalError))
	assert.True(t, errors.Is(executorError(pool.ErrPoolClosed), pool.ErrPoolClosed))
}

var _ gateway.Gateway = (*fakeGateway)(nil)
