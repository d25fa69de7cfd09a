package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/BaSui01/chatrelay/types"
)

// Gateway delivers messages and reactions to the end customer.
// Implementations return UPSTREAM_TIMEOUT when a call exceeds its deadline
// and UPSTREAM_ERROR for every other upstream failure.
type Gateway interface {
	Send(ctx context.Context, conversationID, text string) (messageID string, err error)
	SendReaction(ctx context.Context, conversationID, messageID, emoji string) error
}

// Func adapts plain functions to Gateway.
type Func struct {
	SendFunc         func(ctx context.Context, conversationID, text string) (string, error)
	SendReactionFunc func(ctx context.Context, conversationID, messageID, emoji string) error
}

// Send implements Gateway.
func (f Func) Send(ctx context.Context, conversationID, text string) (string, error) {
	if f.SendFunc == nil {
		return "", types.NewError(types.ErrUpstreamError, "send not supported")
	}
	return f.SendFunc(ctx, conversationID, text)
}

// SendReaction implements Gateway.
func (f Func) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	if f.SendReactionFunc == nil {
		return types.NewError(types.ErrUpstreamError, "reactions not supported")
	}
	return f.SendReactionFunc(ctx, conversationID, messageID, emoji)
}

// ClassifyError turns a transport failure into UPSTREAM_TIMEOUT or
// UPSTREAM_ERROR. Errors that already carry a code are returned unchanged.
func ClassifyError(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	if IsTimeout(err) {
		return types.Errorf(types.ErrUpstreamTimeout, "%s timed out", op).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return types.Errorf(types.ErrUpstreamError, "%s cancelled", op).WithCause(err).WithRetryable(false)
	}
	return types.Errorf(types.ErrUpstreamError, "%s failed", op).WithCause(err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// MapHTTPError maps a non-2xx gateway response to a coded error.
// 429 and 5xx are retryable; other 4xx are not.
func MapHTTPError(status int, msg string) *types.Error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return types.Errorf(types.ErrUpstreamTimeout, "gateway returned %d: %s", status, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return types.Errorf(types.ErrUpstreamError, "gateway returned %d: %s", status, msg).WithRetryable(true)
	default:
		return types.Errorf(types.ErrUpstreamError, "gateway returned %d: %s", status, msg).WithRetryable(false)
	}
}
