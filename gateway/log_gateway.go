package gateway

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogGateway only logs what it would deliver. Used when no gateway URL is configured.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a LogGateway.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger.With(zap.String("component", "gateway_log"))}
}

// Send implements Gateway.
func (g *LogGateway) Send(ctx context.Context, conversationID, text string) (string, error) {
	id := uuid.NewString()
	g.logger.Info("outbound message",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", id),
		zap.Int("length", len(text)),
	)
	return id, nil
}

// SendReaction implements Gateway.
func (g *LogGateway) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	g.logger.Info("outbound reaction",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.String("emoji", emoji),
	)
	return nil
}
