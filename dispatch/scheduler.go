package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/chatrelay/gateway"
	"github.com/BaSui01/chatrelay/internal/pool"
	"github.com/BaSui01/chatrelay/internal/retry"
	"github.com/BaSui01/chatrelay/types"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("dispatch scheduler is closed")

// Outcome is the lifecycle result of one scheduled dispatch.
type Outcome string

const (
	OutcomeScheduled  Outcome = "scheduled"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Final reports whether no further change to the outcome can happen.
func (o Outcome) Final() bool {
	return o != OutcomeScheduled
}

// Conversations is what the scheduler needs from the state machine.
type Conversations interface {
	Get(ctx context.Context, id string) (*types.Conversation, error)
	RecordOutbound(ctx context.Context, id, messageID, text string) (*types.Conversation, error)
}

// Delayer computes the hold time for a reply given the conversation backlog.
type Delayer interface {
	Delay(ctx context.Context, queueDepth int) (time.Duration, error)
}

// Executor serializes work per conversation key.
type Executor interface {
	Do(ctx context.Context, key string, task pool.Task) error
}

// Observer receives scheduler metrics.
type Observer interface {
	RecordDispatchScheduled(delay time.Duration)
	RecordDispatchOutcome(outcome string)
	SetDispatchPending(n int)
}

// Request is one automated reply to schedule. Payload is opaque to the scheduler.
type Request struct {
	ConversationID string
	Payload        string
	QueueDepth     int

	// Version is the conversation version the payload was built from. A
	// request never replaces a pending one built from a newer version.
	// Zero disables the check.
	Version int64
}

// Result is the final report of a dispatch.
type Result struct {
	Outcome   Outcome   `json:"outcome"`
	MessageID string    `json:"message_id,omitempty"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// Config tunes the scheduler.
type Config struct {
	// FireTimeout bounds the re-check, send and record steps of one fire.
	FireTimeout time.Duration `json:"fire_timeout" yaml:"fire_timeout"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{FireTimeout: 30 * time.Second}
}

// Scheduler holds at most one pending automated reply per conversation.
// Scheduling again replaces the pending one. When a timer fires, the
// conversation is re-read inside its single-writer executor and the reply is
// only sent if automation still owns it.
type Scheduler struct {
	mu       sync.Mutex
	pending  map[string]*Handle
	seq      uint64
	closed   bool
	inflight errgroup.Group

	conversations Conversations
	delayer       Delayer
	gateway       gateway.Gateway
	executor      Executor
	retryer       *retry.Retryer
	observer      Observer
	config        Config
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetryer sets the backoff used for gateway sends and outbound bookkeeping.
func WithRetryer(r *retry.Retryer) Option {
	return func(s *Scheduler) { s.retryer = r }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithConfig overrides the scheduler configuration.
func WithConfig(c Config) Option {
	return func(s *Scheduler) {
		if c.FireTimeout > 0 {
			s.config.FireTimeout = c.FireTimeout
		}
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(conversations Conversations, delayer Delayer, gw gateway.Gateway, executor Executor, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		pending:       make(map[string]*Handle),
		conversations: conversations,
		delayer:       delayer,
		gateway:       gw,
		executor:      executor,
		config:        DefaultConfig(),
		logger:        logger.With(zap.String("component", "dispatch_scheduler")),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retryer == nil {
		s.retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return s
}

// =============================================================================
// ⏱️ 布置与取消
// =============================================================================

// Schedule arms a timer for req. If automation is paused for the
// conversation, nothing is armed and the returned handle is already
// final with OutcomeSkipped.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Handle, error) {
	if req.ConversationID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "conversation id is required")
	}

	conv, err := s.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	if !conv.DispatchAllowed() {
		h := s.newHandle(req, 0)
		h.finish(Result{Outcome: OutcomeSkipped, At: s.now()})
		s.report(h, zap.String("status", string(conv.Status)))
		return h, nil
	}

	delay, err := s.delayer.Delay(ctx, req.QueueDepth)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	replaced := s.pending[req.ConversationID]
	if replaced != nil && req.Version > 0 && replaced.version > req.Version {
		// 较新的消息已经布置了回复, 旧请求直接作废
		h := s.newHandleLocked(req, 0)
		h.finishLocked(Result{Outcome: OutcomeSkipped, At: s.now()})
		s.mu.Unlock()
		s.report(h,
			zap.Uint64("superseded_by", replaced.seq),
			zap.Int64("version", req.Version),
			zap.Int64("pending_version", replaced.version),
		)
		return h, nil
	}
	h := s.newHandleLocked(req, delay)
	if replaced != nil {
		s.cancelLocked(replaced)
	}
	s.pending[req.ConversationID] = h
	h.timer = time.AfterFunc(delay, func() { s.fire(h) })
	pending := len(s.pending)
	s.mu.Unlock()

	if replaced != nil {
		s.report(replaced, zap.Uint64("replaced_by", h.seq))
	}
	if s.observer != nil {
		s.observer.RecordDispatchScheduled(delay)
		s.observer.SetDispatchPending(pending)
	}
	s.logger.Debug("dispatch scheduled",
		zap.String("conversation_id", req.ConversationID),
		zap.Uint64("seq", h.seq),
		zap.Int("queue_depth", req.QueueDepth),
		zap.Duration("delay", delay),
	)
	return h, nil
}

// Cancel stops the pending dispatch of conversationID, if any. It is always
// safe to call; it reports whether a pending dispatch was stopped.
func (s *Scheduler) Cancel(conversationID string) bool {
	s.mu.Lock()
	h := s.pending[conversationID]
	if h == nil {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked(h)
	pending := len(s.pending)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.SetDispatchPending(pending)
	}
	s.report(h)
	return true
}

// Pending returns the armed dispatch of conversationID.
func (s *Scheduler) Pending(conversationID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[conversationID]
	return h, ok
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every armed timer and waits for fires already in progress,
// or until ctx is done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancelled := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		s.cancelLocked(h)
		cancelled = append(cancelled, h)
	}
	s.mu.Unlock()

	for _, h := range cancelled {
		s.report(h, zap.String("reason", "shutdown"))
	}
	if s.observer != nil {
		s.observer.SetDispatchPending(0)
	}

	done := make(chan struct{})
	go func() {
		_ = s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("dispatch scheduler closed", zap.Int("cancelled", len(cancelled)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) newHandle(req Request, delay time.Duration) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newHandleLocked(req, delay)
}

func (s *Scheduler) newHandleLocked(req Request, delay time.Duration) *Handle {
	s.seq++
	return &Handle{
		s:              s,
		seq:            s.seq,
		version:        req.Version,
		ConversationID: req.ConversationID,
		Delay:          delay,
		FireAt:         s.now().Add(delay),
		payload:        req.Payload,
		result:         Result{Outcome: OutcomeScheduled},
		done:           make(chan struct{}),
	}
}

// cancelLocked must be called with s.mu held and h still pending.
func (s *Scheduler) cancelLocked(h *Handle) {
	if h.result.Outcome != OutcomeScheduled || h.firing {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	if s.pending[h.ConversationID] == h {
		delete(s.pending, h.ConversationID)
	}
	h.finishLocked(Result{Outcome: OutcomeCancelled, At: s.now()})
}

// =============================================================================
// 🔥 触发
// =============================================================================

func (s *Scheduler) fire(h *Handle) {
	s.mu.Lock()
	// 已被取消或替换: 计时器回调与 Stop 竞争时可能仍会进入这里
	if h.result.Outcome != OutcomeScheduled || h.firing || s.closed {
		s.mu.Unlock()
		return
	}
	h.firing = true
	if s.pending[h.ConversationID] == h {
		delete(s.pending, h.ConversationID)
	}
	pending := len(s.pending)
	s.inflight.Go(func() error {
		s.run(h)
		return nil
	})
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.SetDispatchPending(pending)
	}
}

func (s *Scheduler) run(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FireTimeout)
	defer cancel()

	// started 由任务和等待方竞争: 任务先拿到就一定会写 delivered,
	// 等待方先拿到则任务之后即使被执行也直接放弃
	var started atomic.Bool
	delivered := make(chan Result, 1)
	err := s.executor.Do(ctx, h.ConversationID, func(ctx context.Context) error {
		if !started.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		r := s.deliver(ctx, h)
		delivered <- r
		return r.Err
	})

	var result Result
	select {
	case result = <-delivered:
	default:
		if started.CompareAndSwap(false, true) {
			// 任务没有运行: 邮箱已满、执行器已关闭或排队超时
			result = Result{Outcome: OutcomeFailed, Err: executorError(err)}
		} else {
			// 任务仍在发送中, 以它的真实结果为准
			result = <-delivered
		}
	}
	result.At = s.now()

	s.mu.Lock()
	h.finishLocked(result)
	s.mu.Unlock()
	s.report(h)
}

// deliver runs inside the conversation's executor.
func (s *Scheduler) deliver(ctx context.Context, h *Handle) Result {
	conv, err := s.conversations.Get(ctx, h.ConversationID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	if !conv.DispatchAllowed() {
		return Result{Outcome: OutcomeSuppressed}
	}

	messageID, err := retry.Do(ctx, s.retryer, func(ctx context.Context) (string, error) {
		return s.gateway.Send(ctx, h.ConversationID, h.payload)
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	err = s.retryer.Do(ctx, func(ctx context.Context) error {
		_, err := s.conversations.RecordOutbound(ctx, h.ConversationID, messageID, h.payload)
		return err
	})
	if err != nil {
		// 消息已经送达, 只是本地历史缺失
		return Result{
			Outcome:   OutcomeSent,
			MessageID: messageID,
			Err:       types.NewError(types.ErrPartialFailure, "reply sent but not recorded").WithCause(err),
		}
	}
	return Result{Outcome: OutcomeSent, MessageID: messageID}
}

func executorError(err error) error {
	switch {
	case err == nil:
		return types.NewError(types.ErrInternalError, "dispatch task did not run")
	case errors.Is(err, pool.ErrMailboxFull):
		return types.NewError(types.ErrBusy, "conversation mailbox is full").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrUpstreamTimeout, "dispatch timed out waiting for the conversation").WithCause(err)
	default:
		return types.NewError(types.ErrInternalError, "dispatch task did not run").WithCause(err)
	}
}

func (s *Scheduler) report(h *Handle, extra ...zap.Field) {
	r := h.Result()
	if s.observer != nil {
		s.observer.RecordDispatchOutcome(string(r.Outcome))
	}

	fields := append([]zap.Field{
		zap.String("conversation_id", h.ConversationID),
		zap.Uint64("seq", h.seq),
		zap.String("outcome", string(r.Outcome)),
		zap.Duration("delay", h.Delay),
	}, extra...)
	if r.MessageID != "" {
		fields = append(fields, zap.String("message_id", r.MessageID))
	}

	switch {
	case r.Outcome == OutcomeFailed:
		s.logger.Error("dispatch failed", append(fields, zap.Error(r.Err))...)
	case r.Err != nil:
		s.logger.Warn("dispatch completed with warning", append(fields, zap.Error(r.Err))...)
	case r.Outcome == OutcomeSuppressed:
		s.logger.Info("dispatch suppressed, conversation no longer automation-owned", fields...)
	case r.Outcome == OutcomeSent:
		s.logger.Info("dispatch sent", fields...)
	default:
		s.logger.Debug("dispatch finished", fields...)
	}
}
