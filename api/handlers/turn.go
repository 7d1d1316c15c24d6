package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/api"
	"github.com/BaSui01/turnflow/history"
	"github.com/BaSui01/turnflow/internal/metrics"
	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🔁 回合接口 Handler
// =============================================================================

// DefaultHistoryWindow 是未显式配置时装配进回合请求的历史消息条数。
const DefaultHistoryWindow = 12

// historyAppendTimeout 限制回合结束后历史落库的耗时。
const historyAppendTimeout = 5 * time.Second

// TurnRunner 执行一个完整回合。同步路径返回最终结果，流式路径返回
// 有序事件通道（来源事件在正文块之前，final 事件收尾后通道关闭）。
type TurnRunner interface {
	RunTurn(ctx context.Context, req *types.TurnRequest) *types.TurnResult
	StreamTurn(ctx context.Context, req *types.TurnRequest) <-chan types.TurnEvent
}

// TurnStore 提供会话历史的读写。读用于装配回合请求的历史窗口，
// 写用于回合结束后的落库。
type TurnStore interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error)
	AppendTurn(ctx context.Context, rec *history.TurnRecord) error
}

// ContextLoader 读取上一回合写入的连续性上下文包。键缺失返回 (nil, nil)。
type ContextLoader interface {
	Get(ctx context.Context, userID, conversationID string) (*types.TurnContextPackage, error)
}

// TurnHandler 回合接口处理器。
//
// 历史存储、上下文装载和指标都是可选依赖：缺失时对应能力静默降级
// （无历史窗口、无先前上下文、不记指标），回合本身照常执行。
type TurnHandler struct {
	runner   TurnRunner
	store    TurnStore
	contexts ContextLoader
	metrics  *metrics.Collector
	window   int
	logger   *zap.Logger
}

// TurnHandlerOption 配置回合处理器的可选依赖。
type TurnHandlerOption func(*TurnHandler)

// WithTurnStore 启用历史窗口装配与回合落库。
func WithTurnStore(store TurnStore) TurnHandlerOption {
	return func(h *TurnHandler) { h.store = store }
}

// WithContextLoader 启用先前上下文装配。
func WithContextLoader(loader ContextLoader) TurnHandlerOption {
	return func(h *TurnHandler) { h.contexts = loader }
}

// WithTurnMetrics 启用回合与流式指标采集。
func WithTurnMetrics(c *metrics.Collector) TurnHandlerOption {
	return func(h *TurnHandler) { h.metrics = c }
}

// WithHistoryWindow 设置历史窗口条数，n <= 0 时保持默认值。
func WithHistoryWindow(n int) TurnHandlerOption {
	return func(h *TurnHandler) {
		if n > 0 {
			h.window = n
		}
	}
}

// NewTurnHandler 创建回合处理器。
func NewTurnHandler(runner TurnRunner, logger *zap.Logger, opts ...TurnHandlerOption) *TurnHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TurnHandler{
		runner: runner,
		window: DefaultHistoryWindow,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleSubmit 处理同步回合请求
// @Summary 提交回合
// @Description 提交一条用户消息，同步返回本回合的最终结果
// @Tags 回合
// @Accept json
// @Produce json
// @Param request body api.TurnSubmitRequest true "回合请求"
// @Success 200 {object} api.TurnResponse "回合结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/turns [post]
func (h *TurnHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.TurnSubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	// 验证请求
	if err := h.validateSubmit(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 装配历史窗口与先前上下文，执行回合
	turnReq := h.buildTurnRequest(r.Context(), &req)
	res := h.runner.RunTurn(r.Context(), turnReq)

	h.recordTurn(res)
	h.appendHistory(r.Context(), turnReq, res)

	h.logger.Info("turn completed",
		zap.String("turn_id", res.TurnID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("decision", string(res.Metadata.Decision)),
		zap.Bool("grounded", res.Metadata.Grounded),
		zap.Bool("failed", res.Metadata.Failed),
		zap.Duration("elapsed", res.Metadata.Elapsed),
	)

	WriteSuccess(w, res)
}

// HandleStream 处理流式回合请求
// @Summary 流式回合
// @Description 提交一条用户消息，按 SSE 推送来源、正文块和最终结果
// @Tags 回合
// @Accept json
// @Produce text/event-stream
// @Param request body api.TurnSubmitRequest true "回合请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/turns/stream [post]
func (h *TurnHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// 验证 Content-Type
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// 解码请求
	var req api.TurnSubmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	// 验证请求
	if err := h.validateSubmit(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternalError, "streaming not supported")
		WriteError(w, err, h.logger)
		return
	}

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	turnReq := h.buildTurnRequest(r.Context(), &req)

	// 事件顺序由编排器保证：来源全部先于正文块，final 收尾
	var final *types.TurnResult
	for ev := range h.runner.StreamTurn(r.Context(), turnReq) {
		h.recordChunk(ev.Kind)
		if ev.Kind == types.TurnEventFinal {
			final = ev.Final
		}
		if err := writeSSEEvent(w, ev); err != nil {
			h.logger.Warn("failed to write stream event", zap.Error(err))
			return
		}
		flusher.Flush()
	}

	// 发送结束标记
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	if final != nil {
		h.recordTurn(final)
		h.appendHistory(r.Context(), turnReq, final)
	}
}

// HandleWS 处理 WebSocket 回合会话
// @Summary WebSocket 回合
// @Description 升级为 WebSocket 后，每收到一条回合请求就推送一组有序事件
// @Tags 回合
// @Success 101 {string} string "协议切换"
// @Security ApiKeyAuth
// @Router /v1/turns/ws [get]
func (h *TurnHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server closing")

	conn.SetReadLimit(maxRequestBodyBytes)
	ctx := r.Context()

	// 单连接单回合串行：读一条请求，推完整组事件，再读下一条
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			h.logger.Warn("websocket read failed", zap.Error(err))
			return
		}

		var req api.TurnSubmitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !h.writeWSError(ctx, conn, types.NewError(types.ErrInvalidRequest, "invalid JSON payload")) {
				return
			}
			continue
		}
		if verr := h.validateSubmit(&req); verr != nil {
			if !h.writeWSError(ctx, conn, verr) {
				return
			}
			continue
		}

		turnReq := h.buildTurnRequest(ctx, &req)

		var final *types.TurnResult
		for ev := range h.runner.StreamTurn(ctx, turnReq) {
			h.recordChunk(ev.Kind)
			if ev.Kind == types.TurnEventFinal {
				final = ev.Final
			}
			if !h.writeWSJSON(ctx, conn, ev) {
				return
			}
		}
		if final != nil {
			h.recordTurn(final)
			h.appendHistory(ctx, turnReq, final)
		}
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateSubmit 验证回合请求
func (h *TurnHandler) validateSubmit(req *api.TurnSubmitRequest) *types.Error {
	if req.UserID == "" {
		return types.NewError(types.ErrInvalidRequest, "user_id is required")
	}
	if req.ConversationID == "" {
		return types.NewError(types.ErrInvalidRequest, "conversation_id is required")
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		return types.NewError(types.ErrInvalidRequest, "text or media is required")
	}
	return nil
}

// buildTurnRequest 把 API 请求装配成编排器请求。
//
// 历史窗口和先前上下文都是尽力装配：存储不可用时记告警并继续，
// 回合按无历史 / 无上下文组装提示词。
func (h *TurnHandler) buildTurnRequest(ctx context.Context, req *api.TurnSubmitRequest) *types.TurnRequest {
	turnReq := &types.TurnRequest{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Media:          req.Media,
		Engagement:     req.Engagement,
		Grounding:      req.Grounding,
	}

	if h.store != nil {
		msgs, err := h.store.RecentMessages(ctx, req.ConversationID, h.window)
		if err != nil {
			h.logger.Warn("history window load failed",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
		} else {
			turnReq.History = msgs
		}
	}

	if h.contexts != nil {
		pkg, err := h.contexts.Get(ctx, req.UserID, req.ConversationID)
		if err != nil {
			h.logger.Warn("prior context load failed",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
		} else {
			turnReq.PriorContext = pkg
		}
	}

	return turnReq
}

// appendHistory 把完成的回合落库。落库失败只记告警，不影响已返回的结果。
func (h *TurnHandler) appendHistory(ctx context.Context, req *types.TurnRequest, res *types.TurnResult) {
	if h.store == nil {
		return
	}
	// 客户端断开不应中止落库，换用不随请求取消的派生上下文
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyAppendTimeout)
	defer cancel()

	if err := h.store.AppendTurn(ctx, history.RecordOf(req, res)); err != nil {
		h.logger.Warn("history append failed",
			zap.String("turn_id", res.TurnID),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
	}
}

// recordTurn 记录回合指标
func (h *TurnHandler) recordTurn(res *types.TurnResult) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if res.Metadata.Failed {
		status = "failed"
	}
	h.metrics.RecordTurn(string(res.Metadata.Decision), status, res.Metadata.Grounded, res.Metadata.Elapsed)
}

// recordChunk 记录流式事件指标
func (h *TurnHandler) recordChunk(kind types.TurnEventKind) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordStreamChunk(string(kind))
}

// writeSSEEvent 按 SSE 格式写出一个回合事件
func writeSSEEvent(w http.ResponseWriter, ev types.TurnEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// writeWSJSON 把一个值序列化后写入 WebSocket，返回连接是否仍可用
func (h *TurnHandler) writeWSJSON(ctx context.Context, conn *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal websocket payload", zap.Error(err))
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Warn("websocket write failed", zap.Error(err))
		return false
	}
	return true
}

// writeWSError 把错误按统一响应信封写回 WebSocket，连接保持可用
func (h *TurnHandler) writeWSError(ctx context.Context, conn *websocket.Conn, terr *types.Error) bool {
	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			Retryable: terr.Retryable,
		},
		Timestamp: time.Now(),
	}
	return h.writeWSJSON(ctx, conn, resp)
}
