package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/conversation"
	"github.com/BaSui01/chatrelay/reactions"
	"github.com/BaSui01/chatrelay/receipts"
	"github.com/BaSui01/chatrelay/relay"
	"github.com/BaSui01/chatrelay/types"
)

// Relay 是会话接口所需的中继操作, 由 *relay.Service 实现
type Relay interface {
	Conversation(ctx context.Context, id string) (*types.Conversation, error)
	Transfers(ctx context.Context, id string) ([]types.TransferEvent, error)
	Messages(ctx context.Context, id string) ([]*types.Message, error)
	HandleInbound(ctx context.Context, conversationID, messageID, text string) (*relay.InboundResult, error)
	ApplyNamed(ctx context.Context, conversationID, action, actor string) (*conversation.Result, error)
	MarkRead(ctx context.Context, conversationID string) (*receipts.Result, error)
	React(ctx context.Context, req reactions.Request) (*reactions.Result, error)
	CancelDispatch(conversationID string) bool
}

// =============================================================================
// 💬 会话 Handler
// =============================================================================

// ConversationHandler 会话操作处理器
type ConversationHandler struct {
	relay  Relay
	logger *zap.Logger
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(r Relay, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{relay: r, logger: logger.With(zap.String("handler", "conversation"))}
}

// Register 在 mux 上注册会话路由
func (h *ConversationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/conversations/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/conversations/{id}/transfers", h.HandleTransfers)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", h.HandleMessages)
	mux.HandleFunc("POST /api/v1/conversations/{id}/inbound", h.HandleInbound)
	mux.HandleFunc("POST /api/v1/conversations/{id}/actions", h.HandleAction)
	mux.HandleFunc("POST /api/v1/conversations/{id}/read", h.HandleMarkRead)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages/{messageId}/reactions", h.HandleReact)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}/dispatch", h.HandleCancelDispatch)
}

// InboundRequest 入站消息请求
type InboundRequest struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

// ActionRequest 操作员动作请求
type ActionRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

// ReactionRequest 表情请求
type ReactionRequest struct {
	Emoji     string          `json:"emoji"`
	Actor     string          `json:"actor"`
	ActorKind types.ActorKind `json:"actor_kind,omitempty"`
}

// ReactionResponse 表情结果, Warning 非空表示已发送但未能本地记录
type ReactionResponse struct {
	Reaction  types.Reaction `json:"reaction"`
	Duplicate bool           `json:"duplicate"`
	Warning   *ErrorInfo     `json:"warning,omitempty"`
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleGet 返回会话记录
// @Router /api/v1/conversations/{id} [get]
func (h *ConversationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := h.relay.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, conv)
}

// HandleTransfers 返回转接日志
// @Router /api/v1/conversations/{id}/transfers [get]
func (h *ConversationHandler) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	events, err := h.relay.Transfers(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []types.TransferEvent{}
	}
	WriteSuccess(w, events)
}

// HandleMessages 返回消息历史
// @Router /api/v1/conversations/{id}/messages [get]
func (h *ConversationHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.relay.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	WriteSuccess(w, msgs)
}

// HandleInbound 接收客户消息并按需安排自动回复
// @Router /api/v1/conversations/{id}/inbound [post]
func (h *ConversationHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Text == "" {
		WriteErrorMessage(w, types.ErrInvalidRequest, "text is required", h.logger)
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	result, err := h.relay.HandleInbound(r.Context(), r.PathValue("id"), req.MessageID, req.Text)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// HandleAction 执行操作员动作
// @Router /api/v1/conversations/{id}/actions [post]
func (h *ConversationHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Actor == "" {
		WriteErrorMessage(w, types.ErrInvalidRequest, "actor is required", h.logger)
		return
	}

	result, err := h.relay.ApplyNamed(r.Context(), r.PathValue("id"), req.Action, req.Actor)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// HandleMarkRead 将未读入站消息标记为已读
// @Router /api/v1/conversations/{id}/read [post]
func (h *ConversationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	result, err := h.relay.MarkRead(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

// HandleReact 为消息添加表情
// @Router /api/v1/conversations/{id}/messages/{messageId}/reactions [post]
func (h *ConversationHandler) HandleReact(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ActorKind == "" {
		req.ActorKind = types.ActorOperator
	}

	result, err := h.relay.React(r.Context(), reactions.Request{
		ConversationID: r.PathValue("id"),
		MessageID:      r.PathValue("messageId"),
		Emoji:          req.Emoji,
		Actor:          req.Actor,
		ActorKind:      req.ActorKind,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	resp := ReactionResponse{Reaction: result.Reaction, Duplicate: result.Duplicate}
	if result.Warning != nil {
		info := &ErrorInfo{Code: string(types.ErrPartialFailure), Message: result.Warning.Error()}
		if e, ok := types.AsError(result.Warning); ok {
			info = &ErrorInfo{Code: string(e.Code), Message: e.Message, Retryable: e.Retryable}
		}
		resp.Warning = info
	}
	WriteSuccess(w, resp)
}

// HandleCancelDispatch 取消待发送的自动回复
// @Router /api/v1/conversations/{id}/dispatch [delete]
func (h *ConversationHandler) HandleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	cancelled := h.relay.CancelDispatch(r.PathValue("id"))
	WriteSuccess(w, map[string]bool{"cancelled": cancelled})
}
