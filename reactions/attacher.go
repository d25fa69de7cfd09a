package reactions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/gateway"
	"github.com/BaSui01/chatrelay/internal/retry"
	"github.com/BaSui01/chatrelay/persistence"
	"github.com/BaSui01/chatrelay/types"
)

// Observer receives reaction metrics.
type Observer interface {
	RecordReaction(result string)
	SetReconcileQueueDepth(n int64)
}

// Request asks for one reaction on one message.
type Request struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Emoji          string          `json:"emoji"`
	Actor          string          `json:"actor"`
	ActorKind      types.ActorKind `json:"actor_kind"`
}

// Result reports an attachment. Warning is set (PARTIAL_FAILURE) when the
// reaction reached the customer but could not be recorded locally.
type Result struct {
	Reaction  types.Reaction `json:"reaction"`
	Duplicate bool           `json:"duplicate"`
	Warning   error          `json:"-"`
}

// Attacher sends reactions through the gateway first and then records them
// on the target message on a best-effort basis.
type Attacher struct {
	store    persistence.Store
	gateway  gateway.Gateway
	queue    ReconcileQueue
	retryer  *retry.Retryer
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Attacher.
type Option func(*Attacher)

// WithQueue sets the reconciliation queue; the default is in memory.
func WithQueue(q ReconcileQueue) Option {
	return func(a *Attacher) { a.queue = q }
}

// WithRetryer sets the backoff for gateway calls.
func WithRetryer(r *retry.Retryer) Option {
	return func(a *Attacher) { a.retryer = r }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(a *Attacher) { a.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Attacher) { a.now = now }
}

// NewAttacher creates a reaction attacher.
func NewAttacher(store persistence.Store, gw gateway.Gateway, logger *zap.Logger, opts ...Option) *Attacher {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Attacher{
		store:   store,
		gateway: gw,
		logger:  logger.With(zap.String("component", "reactions")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.queue == nil {
		a.queue = NewMemoryQueue()
	}
	if a.retryer == nil {
		a.retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return a
}

// Attach validates the emoji, sends the reaction and then appends it to the
// message. Gateway failures fail the call with nothing written locally.
// A failed local append still returns success, with Result.Warning set and
// the reaction queued for reconciliation.
func (a *Attacher) Attach(ctx context.Context, req Request) (*Result, error) {
	if !Allowed(req.Emoji) {
		a.record("rejected")
		return nil, types.Errorf(types.ErrUnsupportedEmoji, "emoji %q is not allowed", req.Emoji)
	}
	if req.ConversationID == "" || req.MessageID == "" || req.Actor == "" {
		a.record("rejected")
		return nil, types.NewError(types.ErrInvalidRequest, "conversation_id, message_id and actor are required")
	}
	if req.ActorKind == "" {
		req.ActorKind = types.ActorOperator
	}

	reaction := types.Reaction{
		Emoji:     req.Emoji,
		Actor:     req.Actor,
		ActorKind: req.ActorKind,
		Timestamp: a.now(),
	}

	// 本地已有相同表情时不再重复发送
	target, lookupErr := a.store.GetMessage(ctx, req.ConversationID, req.MessageID)
	if lookupErr == nil {
		reaction.IsOwnMessage = target.Direction == types.DirectionOutbound
		if target.HasReaction(reaction) {
			a.record("duplicate")
			return &Result{Reaction: reaction, Duplicate: true}, nil
		}
	}

	err := a.retryer.Do(ctx, func(ctx context.Context) error {
		return a.gateway.SendReaction(ctx, req.ConversationID, req.MessageID, req.Emoji)
	})
	if err != nil {
		a.record("failed")
		a.logger.Error("reaction send failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", req.MessageID),
			zap.String("emoji", req.Emoji),
			zap.Error(err),
		)
		return nil, err
	}

	added, err := a.store.AddReaction(ctx, req.ConversationID, req.MessageID, reaction)
	if err != nil {
		warning := a.partialFailure(ctx, req, reaction, err)
		return &Result{Reaction: reaction, Warning: warning}, nil
	}

	if added {
		a.record("ok")
	} else {
		a.record("duplicate")
	}
	a.logger.Debug("reaction attached",
		zap.String("conversation_id", req.ConversationID),
		zap.String("message_id", req.MessageID),
		zap.String("emoji", req.Emoji),
		zap.String("actor", req.Actor),
	)
	return &Result{Reaction: reaction, Duplicate: !added}, nil
}

func (a *Attacher) partialFailure(ctx context.Context, req Request, reaction types.Reaction, cause error) error {
	a.record("partial_failure")
	warning := types.NewError(types.ErrPartialFailure, "reaction delivered but not recorded locally").WithCause(cause)

	a.logger.Warn("reaction delivered but not recorded",
		zap.String("conversation_id", req.ConversationID),
		zap.String("message_id", req.MessageID),
		zap.String("emoji", req.Emoji),
		zap.Error(cause),
	)

	pending := PendingReaction{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Reaction:       reaction,
		Error:          cause.Error(),
		Attempts:       1,
		FailedAt:       a.now(),
	}
	// 调用方可能已经放弃, 入队不应随之失败
	if err := a.queue.Push(context.WithoutCancel(ctx), pending); err != nil {
		a.logger.Error("failed to queue reaction for reconciliation",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", req.MessageID),
			zap.Error(err),
		)
	}
	a.reportQueueDepth(ctx)
	return warning
}

// Reconcile retries up to limit queued reactions against the store. Reactions
// whose message still does not exist are dropped after maxAttempts; other
// failures are queued again.
func (a *Attacher) Reconcile(ctx context.Context, limit, maxAttempts int) (repaired int, err error) {
	var requeue []PendingReaction
	defer func() {
		for _, p := range requeue {
			if pushErr := a.queue.Push(ctx, p); pushErr != nil && err == nil {
				err = pushErr
			}
		}
		a.reportQueueDepth(ctx)
	}()

	for i := 0; i < limit; i++ {
		p, popErr := a.queue.Pop(ctx)
		if popErr != nil {
			return repaired, popErr
		}
		if p == nil {
			break
		}

		_, addErr := a.store.AddReaction(ctx, p.ConversationID, p.MessageID, p.Reaction)
		if addErr == nil {
			repaired++
			continue
		}

		p.Attempts++
		p.Error = addErr.Error()
		if errors.Is(addErr, persistence.ErrNotFound) && p.Attempts >= maxAttempts {
			a.logger.Warn("dropping unreconcilable reaction",
				zap.String("conversation_id", p.ConversationID),
				zap.String("message_id", p.MessageID),
				zap.Int("attempts", p.Attempts),
			)
			continue
		}
		requeue = append(requeue, *p)
	}

	if repaired > 0 {
		a.logger.Info("reactions reconciled", zap.Int("repaired", repaired))
	}
	return repaired, nil
}

func (a *Attacher) record(result string) {
	if a.observer != nil {
		a.observer.RecordReaction(result)
	}
}

func (a *Attacher) reportQueueDepth(ctx context.Context) {
	if a.observer == nil {
		return
	}
	if n, err := a.queue.Len(ctx); err == nil {
		a.observer.SetReconcileQueueDepth(n)
	}
}
