package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/chatrelay/types"
)

// PolicyStore 读取与更新全局延迟策略
type PolicyStore interface {
	DelayPolicy(ctx context.Context) (types.DelayPolicy, error)
	UpdateDelayPolicy(ctx context.Context, p types.DelayPolicy) (types.DelayPolicy, error)
}

// PacingHandler 延迟策略处理器
type PacingHandler struct {
	store  PolicyStore
	logger *zap.Logger
}

// NewPacingHandler 创建延迟策略处理器
func NewPacingHandler(store PolicyStore, logger *zap.Logger) *PacingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PacingHandler{store: store, logger: logger.With(zap.String("handler", "pacing"))}
}

// Register 在 mux 上注册延迟策略路由
func (h *PacingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/pacing", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/pacing", h.HandleUpdate)
}

// HandleGet 返回当前延迟策略
// @Router /api/v1/pacing [get]
func (h *PacingHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.DelayPolicy(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleUpdate 校验并保存延迟策略, 整体替换
// @Router /api/v1/pacing [put]
func (h *PacingHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var p types.DelayPolicy
	if err := DecodeJSONBody(w, r, &p, h.logger); err != nil {
		return
	}

	saved, err := h.store.UpdateDelayPolicy(r.Context(), p)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("delay policy updated",
		zap.Bool("enabled", saved.Enabled),
		zap.Int64("min_delay_ms", saved.MinDelayMs),
		zap.Int64("max_delay_ms", saved.MaxDelayMs),
		zap.Int64("per_queued_message_delay_ms", saved.PerQueuedMessageDelayMs),
	)
	WriteSuccess(w, saved)
}
