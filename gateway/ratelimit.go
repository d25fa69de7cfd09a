package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/BaSui01/chatrelay/types"
)

// RateLimited caps the outbound call rate of the wrapped gateway.
// Callers wait for a token; a wait that would outlive ctx fails with
// UPSTREAM_TIMEOUT without calling the gateway.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of rps tokens per second and
// the given burst. A non-positive rps disables limiting.
func NewRateLimited(next Gateway, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send implements Gateway.
func (g *RateLimited) Send(ctx context.Context, conversationID, text string) (string, error) {
	if err := g.wait(ctx, "send"); err != nil {
		return "", err
	}
	return g.next.Send(ctx, conversationID, text)
}

// SendReaction implements Gateway.
func (g *RateLimited) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	if err := g.wait(ctx, "send_reaction"); err != nil {
		return err
	}
	return g.next.SendReaction(ctx, conversationID, messageID, emoji)
}

func (g *RateLimited) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		// rate.Limiter 在等待会超过截止时间时直接返回非 context 错误
		if ctx.Err() == nil {
			return types.Errorf(types.ErrUpstreamTimeout, "%s rate limited beyond deadline", op).WithCause(err)
		}
		return ClassifyError(ctx.Err(), op)
	}
	return nil
}
