package relay

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/conversation"
	"github.com/BaSui01/chatrelay/dispatch"
	"github.com/BaSui01/chatrelay/gateway"
	"github.com/BaSui01/chatrelay/internal/pool"
	"github.com/BaSui01/chatrelay/internal/retry"
	"github.com/BaSui01/chatrelay/pacing"
	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/reactions"
	"github.com/BaSui01/chatrelay/receipts"
	"github.com/BaSui01/chatrelay/types"
)

const tracerName = "github.com/BaSui01/chatrelay/relay"

// Metrics is the set of observations the relay reports.
type Metrics interface {
	dispatch.Observer
	reactions.Observer
	receipts.Observer
	RecordTransition(action, fromStatus, toStatus string)
	RecordTransfer(from, to string)
	RecordInbound(status string)
	RecordMailboxRejected()
}

// Config tunes the relay.
type Config struct {
	Pool     pool.KeyedPoolConfig `json:"pool" yaml:"pool"`
	Dispatch dispatch.Config      `json:"dispatch" yaml:"dispatch"`
	Retry    retry.Policy         `json:"retry" yaml:"retry"`

	// ConflictRetries bounds how often an operator action is re-read and
	// retried after losing a version race.
	ConflictRetries int `json:"conflict_retries" yaml:"conflict_retries"`

	// PacingDefaults is materialised when no delay policy is persisted.
	PacingDefaults types.DelayPolicy `json:"pacing_defaults" yaml:"pacing_defaults"`

	// PacingRefresh is how long the cached delay policy is served before the
	// store is read again.
	PacingRefresh time.Duration `json:"pacing_refresh" yaml:"pacing_refresh"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		Pool:            pool.DefaultKeyedPoolConfig(),
		Dispatch:        dispatch.DefaultConfig(),
		Retry:           retry.DefaultPolicy(),
		ConflictRetries: 3,
		PacingDefaults:  pacing.DefaultPolicy(),
		PacingRefresh:   pacing.DefaultRefreshInterval,
	}
}

// Service routes inbound messages and operator actions for many
// conversations. Every mutation of one conversation runs on that
// conversation's worker, so mutations of the same conversation never
// interleave while different conversations proceed in parallel.
type Service struct {
	machine   *conversation.Machine
	scheduler *dispatch.Scheduler
	receipts  *receipts.Batcher
	reactions *reactions.Attacher
	pacing    *pacing.Manager
	generator ReplyGenerator
	workers   *pool.KeyedPool
	conflicts *retry.Retryer
	metrics   Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	config  Config
	metrics Metrics
	queue   reactions.ReconcileQueue
	machine []conversation.Option
}

// WithConfig overrides the relay configuration.
func WithConfig(c Config) Option {
	return func(o *options) { o.config = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReconcileQueue sets the queue for reactions that need read-repair.
func WithReconcileQueue(q reactions.ReconcileQueue) Option {
	return func(o *options) { o.queue = q }
}

// WithMachineOptions passes options through to the conversation machine.
func WithMachineOptions(opts ...conversation.Option) Option {
	return func(o *options) { o.machine = append(o.machine, opts...) }
}

// New wires the relay over store and gateway.
func New(store persistence.Store, gw gateway.Gateway, generator ReplyGenerator, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.config
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}

	workers := pool.NewKeyedPool(pool.KeyedPoolConfig{
		MailboxSize: cfg.Pool.MailboxSize,
		IdleTimeout: cfg.Pool.IdleTimeout,
		PanicHandler: func(key string, r any) {
			logger.Error("conversation worker panicked", zap.String("conversation_id", key), zap.Any("panic", r))
		},
	})

	machine := conversation.NewMachine(store, logger, o.machine...)
	manager := pacing.NewManager(store, logger,
		pacing.WithDefaults(cfg.PacingDefaults),
		pacing.WithRefreshInterval(cfg.PacingRefresh),
	)
	upstream := retry.New(cfg.Retry, logger)

	dispatchOpts := []dispatch.Option{dispatch.WithConfig(cfg.Dispatch), dispatch.WithRetryer(upstream)}
	receiptOpts := []receipts.Option{}
	reactionOpts := []reactions.Option{reactions.WithRetryer(upstream)}
	if o.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(o.metrics))
		receiptOpts = append(receiptOpts, receipts.WithObserver(o.metrics))
		reactionOpts = append(reactionOpts, reactions.WithObserver(o.metrics))
	}
	if o.queue != nil {
		reactionOpts = append(reactionOpts, reactions.WithQueue(o.queue))
	}

	return &Service{
		machine:   machine,
		scheduler: dispatch.NewScheduler(machine, manager, gw, workers, logger, dispatchOpts...),
		receipts:  receipts.NewBatcher(store, logger, receiptOpts...),
		reactions: reactions.NewAttacher(store, gw, logger, reactionOpts...),
		pacing:    manager,
		generator: generator,
		workers:   workers,
		conflicts: retry.New(retry.Policy{
			MaxRetries:   cfg.ConflictRetries,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
			Jitter:       true,
			Retryable:    func(err error) bool { return types.IsCode(err, types.ErrConflict) },
		}, logger),
		metrics: o.metrics,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With(zap.String("component", "relay")),
	}
}

// =============================================================================
// 📥 入站消息
// =============================================================================

// DispatchInfo describes the automated reply scheduled for an inbound message.
type DispatchInfo struct {
	Outcome dispatch.Outcome `json:"outcome"`
	Delay   time.Duration    `json:"delay_ns"`
	FireAt  time.Time        `json:"fire_at,omitempty"`

	handle *dispatch.Handle
}

// Handle returns the scheduler handle, nil when nothing was scheduled.
func (d *DispatchInfo) Handle() *dispatch.Handle {
	return d.handle
}

// InboundResult is returned by HandleInbound.
type InboundResult struct {
	Conversation *types.Conversation `json:"conversation"`
	Message      *types.Message      `json:"message"`
	Created      bool                `json:"created"`
	Dispatch     *DispatchInfo       `json:"dispatch,omitempty"`

	// Warning is set when the message was stored but no reply could be prepared.
	Warning string `json:"warning,omitempty"`
}

// HandleInbound stores a customer message and, when automation owns the
// conversation, schedules an automated reply paced by the queue depth.
func (s *Service) HandleInbound(ctx context.Context, conversationID, messageID, text string) (*InboundResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.HandleInbound", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	var (
		ingested *conversation.IngestResult
		depth    int
		history  []*types.Message
	)
	err := s.serialize(ctx, conversationID, func(ctx context.Context) error {
		var err error
		ingested, err = s.machine.Ingest(ctx, conversationID, messageID, text)
		if err != nil {
			return err
		}
		if !ingested.Conversation.DispatchAllowed() {
			return nil
		}
		if history, err = s.machine.History(ctx, conversationID); err != nil {
			return err
		}
		depth = conversation.QueueDepth(history)
		return nil
	})
	if err != nil {
		return nil, spanError(span, err)
	}
	if s.metrics != nil {
		s.metrics.RecordInbound(string(ingested.Conversation.Status))
	}

	result := &InboundResult{
		Conversation: ingested.Conversation,
		Message:      ingested.Message,
		Created:      ingested.Created,
	}
	span.SetAttributes(attribute.String("conversation.status", string(ingested.Conversation.Status)))
	if !ingested.Conversation.DispatchAllowed() {
		return result, nil
	}

	// 生成回复不占用会话的执行器; 触发前复查保证人工接管后不会发出,
	// 版本号保证慢的旧回复不会顶替新消息的回复
	payload, err := s.generator.Generate(ctx, ingested.Conversation, history)
	if err != nil {
		s.logger.Error("reply generation failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		result.Warning = "reply generation failed: " + err.Error()
		return result, nil
	}

	h, err := s.scheduler.Schedule(ctx, dispatch.Request{
		ConversationID: conversationID,
		Payload:        payload,
		QueueDepth:     depth,
		Version:        ingested.Conversation.Version,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrClosed) {
			return nil, spanError(span, types.NewError(types.ErrInternalError, "relay is shutting down").WithCause(err))
		}
		return nil, spanError(span, err)
	}
	result.Dispatch = &DispatchInfo{Outcome: h.Outcome(), Delay: h.Delay, handle: h}
	if result.Dispatch.Outcome == dispatch.OutcomeScheduled {
		result.Dispatch.FireAt = h.FireAt
	}
	span.SetAttributes(
		attribute.String("dispatch.outcome", string(result.Dispatch.Outcome)),
		attribute.Int("dispatch.queue_depth", depth),
		attribute.Int64("dispatch.delay_ms", h.Delay.Milliseconds()),
	)
	return result, nil
}

// =============================================================================
// 🧑‍💼 操作员操作
// =============================================================================

// Apply runs an operator action. Version races are re-read and retried a
// bounded number of times before CONFLICT is returned. When the action takes
// the conversation away from automation, any pending reply is cancelled.
func (s *Service) Apply(ctx context.Context, conversationID string, action conversation.Action, actor string) (*conversation.Result, error) {
	ctx, span := s.tracer.Start(ctx, "relay.Apply", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("conversation.action", action.String()),
		attribute.String("conversation.actor", actor),
	))
	defer span.End()

	var result *conversation.Result
	err := s.serialize(ctx, conversationID, func(ctx context.Context) error {
		return s.conflicts.Do(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.machine.Apply(ctx, conversationID, action, actor)
			return err
		})
	})
	if err != nil {
		return nil, spanError(span, err)
	}

	if !result.Conversation.DispatchAllowed() && s.scheduler.Cancel(conversationID) {
		s.logger.Info("pending dispatch cancelled by operator action",
			zap.String("conversation_id", conversationID),
			zap.String("action", action.String()),
			zap.String("actor", actor),
		)
	}

	if result.Changed && s.metrics != nil {
		s.metrics.RecordTransition(action.String(), string(result.Previous), string(result.Conversation.Status))
		if result.Transfer != nil {
			s.metrics.RecordTransfer(string(result.Transfer.From), string(result.Transfer.To))
		}
	}
	span.SetAttributes(
		attribute.String("conversation.status", string(result.Conversation.Status)),
		attribute.Bool("conversation.changed", result.Changed),
	)
	return result, nil
}

// ApplyNamed parses an action name from a wire boundary and applies it.
func (s *Service) ApplyNamed(ctx context.Context, conversationID, action, actor string) (*conversation.Result, error) {
	a, err := conversation.ParseAction(action)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, conversationID, a, actor)
}

// CancelDispatch cancels the pending automated reply, if any.
func (s *Service) CancelDispatch(conversationID string) bool {
	return s.scheduler.Cancel(conversationID)
}

// =============================================================================
// 👀 已读与表情
// =============================================================================

// MarkRead marks every unread inbound message of the conversation read.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (*receipts.Result, error) {
	ctx, span := s.tracer.Start(ctx, "relay.MarkRead", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	var result *receipts.Result
	err := s.serialize(ctx, conversationID, func(ctx context.Context) error {
		var err error
		result, err = s.receipts.MarkRead(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int("receipts.marked", len(result.Marked)))
	return result, nil
}

// React attaches an emoji to a message. Reactions never change the
// conversation record, so they do not go through the conversation worker.
func (s *Service) React(ctx context.Context, req reactions.Request) (*reactions.Result, error) {
	ctx, span := s.tracer.Start(ctx, "relay.React", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("message.id", req.MessageID),
	))
	defer span.End()

	result, err := s.reactions.Attach(ctx, req)
	if err != nil {
		return nil, spanError(span, err)
	}
	if result.Warning != nil {
		span.AddEvent("partial_failure", trace.WithAttributes(attribute.String("error", result.Warning.Error())))
	}
	return result, nil
}

// ReconcileReactions retries reactions that were delivered but not recorded.
func (s *Service) ReconcileReactions(ctx context.Context, limit, maxAttempts int) (int, error) {
	return s.reactions.Reconcile(ctx, limit, maxAttempts)
}

// =============================================================================
// 🔍 查询与配置
// =============================================================================

// Conversation returns the current conversation record.
func (s *Service) Conversation(ctx context.Context, id string) (*types.Conversation, error) {
	return s.machine.Get(ctx, id)
}

// Transfers returns the transfer log of a conversation.
func (s *Service) Transfers(ctx context.Context, id string) ([]types.TransferEvent, error) {
	return s.machine.Transfers(ctx, id)
}

// Messages returns the message history of a conversation.
func (s *Service) Messages(ctx context.Context, id string) ([]*types.Message, error) {
	return s.machine.History(ctx, id)
}

// PendingDispatch returns the armed dispatch of a conversation.
func (s *Service) PendingDispatch(id string) (*dispatch.Handle, bool) {
	return s.scheduler.Pending(id)
}

// DelayPolicy returns the current delay policy.
func (s *Service) DelayPolicy(ctx context.Context) (types.DelayPolicy, error) {
	return s.pacing.Policy(ctx)
}

// UpdateDelayPolicy validates and stores a new delay policy.
func (s *Service) UpdateDelayPolicy(ctx context.Context, p types.DelayPolicy) (types.DelayPolicy, error) {
	return s.pacing.Update(ctx, p)
}

// Stats reports worker pool and scheduler gauges.
func (s *Service) Stats() Stats {
	return Stats{Workers: s.workers.Stats(), PendingDispatches: s.scheduler.PendingCount()}
}

// Stats is a point-in-time view of relay internals.
type Stats struct {
	Workers           pool.KeyedPoolStats `json:"workers"`
	PendingDispatches int                 `json:"pending_dispatches"`
}

// Close cancels pending replies, waits for in-flight ones and stops the workers.
func (s *Service) Close(ctx context.Context) error {
	err := s.scheduler.Close(ctx)
	s.workers.Close()
	return err
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// serialize runs task on the conversation's worker and waits for it.
func (s *Service) serialize(ctx context.Context, conversationID string, task pool.Task) error {
	if conversationID == "" {
		return types.NewError(types.ErrInvalidRequest, "conversation id is required")
	}
	err := s.workers.Do(ctx, conversationID, task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pool.ErrMailboxFull):
		if s.metrics != nil {
			s.metrics.RecordMailboxRejected()
		}
		return types.Errorf(types.ErrBusy, "conversation %s is busy", conversationID).WithCause(err)
	case errors.Is(err, pool.ErrPoolClosed):
		return types.NewError(types.ErrInternalError, "relay is shutting down").WithCause(err)
	default:
		return err
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
	return err
}
