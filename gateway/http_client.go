package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/internal/tlsutil"
	"github.com/BaSui01/chatrelay/types"
)

// HTTPConfig configures the HTTP gateway client.
type HTTPConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// HTTPClient talks to a messaging gateway over JSON/HTTP:
//
//	POST {base}/messages   {"conversation_id","text"}              -> {"message_id"}
//	POST {base}/reactions  {"conversation_id","message_id","emoji"} -> 2xx
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates an HTTP gateway client. Every call is bounded by cfg.Timeout.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  tlsutil.HTTPClient(timeout),
		logger:  logger.With(zap.String("component", "gateway_http")),
	}
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type reactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

// Send implements Gateway.
func (c *HTTPClient) Send(ctx context.Context, conversationID, text string) (string, error) {
	var resp sendResponse
	if err := c.post(ctx, "send", "/messages", sendRequest{ConversationID: conversationID, Text: text}, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", types.NewError(types.ErrUpstreamError, "gateway response has no message_id").WithRetryable(false)
	}
	return resp.MessageID, nil
}

// SendReaction implements Gateway.
func (c *HTTPClient) SendReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return c.post(ctx, "send_reaction", "/reactions", reactionRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		Emoji:          emoji,
	}, nil)
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.NewError(types.ErrInternalError, "encode gateway request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.ErrInternalError, "build gateway request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if id, ok := types.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ClassifyError(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("gateway rejected request",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg),
		)
		return MapHTTPError(resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if IsTimeout(err) {
			return ClassifyError(err, op)
		}
		return types.Errorf(types.ErrUpstreamError, "decode %s response", op).WithCause(err).WithRetryable(false)
	}
	return nil
}

// readErrorMessage 读取响应体中的错误消息, 无法解析 JSON 时回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Code != nil {
			return fmt.Sprintf("%s (code: %v)", errResp.Error.Message, errResp.Error.Code)
		}
		return errResp.Error.Message
	}
	return string(data)
}
