package gateway

import (
	"context"
	"time"

	"github.com/BaSui01/chatrelay/types"
)

// Recorder receives one observation per gateway call.
type Recorder interface {
	RecordGatewayRequest(operation, status string, duration time.Duration)
}

// Instrumented reports call counts and latency of the wrapped gateway.
type Instrumented struct {
	next     Gateway
	recorder Recorder
}

// NewInstrumented wraps next.
func NewInstrumented(next Gateway, recorder Recorder) *Instrumented {
	return &Instrumented{next: next, recorder: recorder}
}

// Send implements Gateway.
func (g *Instrumented) Send(ctx context.Context, conversationID, text string) (string, error) {
	start := time.Now()
	id, err := g.next.Send(ctx, conversationID, text)
	g.recorder.RecordGatewayRequest("send", callStatus(err), time.Since(start))
	return id, err
}

// SendReaction implements Gateway.
func (g *Instrumented) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	start := time.Now()
	err := g.next.SendReaction(ctx, conversationID, messageID, emoji)
	g.recorder.RecordGatewayRequest("send_reaction", callStatus(err), time.Since(start))
	return err
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case types.IsCode(err, types.ErrUpstreamTimeout):
		return "timeout"
	default:
		return "error"
	}
}
