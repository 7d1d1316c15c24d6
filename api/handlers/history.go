package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/api"
	"github.com/BaSui01/turnflow/history"
	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 📜 会话历史 Handler
// =============================================================================

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// HistoryReader 提供会话与回合记录的查询和删除。
type HistoryReader interface {
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]history.Conversation, int64, error)
	GetConversation(ctx context.Context, conversationID string) (*history.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ListTurns(ctx context.Context, conversationID string, limit, offset int) ([]history.TurnRecord, int64, error)
	GetTurn(ctx context.Context, turnID string) (*history.TurnRecord, error)
}

// HistoryHandler 会话历史接口处理器。
type HistoryHandler struct {
	store  HistoryReader
	logger *zap.Logger
}

// NewHistoryHandler 创建历史处理器。
func NewHistoryHandler(store HistoryReader, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:  store,
		logger: logger,
	}
}

// HandleListConversations 列出用户的会话
// @Summary 列出会话
// @Description 按活跃时间倒序分页列出一个用户的会话
// @Tags 历史
// @Produce json
// @Param user_id query string true "用户 ID"
// @Param limit query int false "本页条数上限（默认 20，最大 100）"
// @Param offset query int false "起始偏移"
// @Success 200 {object} Response{data=api.ConversationPage} "会话分页"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/conversations [get]
func (h *HistoryHandler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "query parameter 'user_id' is required", h.logger)
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	convs, total, lerr := h.store.ListConversations(r.Context(), userID, limit, offset)
	if lerr != nil {
		h.handleStoreError(w, lerr)
		return
	}

	WriteSuccess(w, api.ConversationPage{
		Conversations: convs,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
	})
}

// HandleGetConversation 查询单个会话
// @Summary 查询会话
// @Description 按会话 ID 查询会话元信息
// @Tags 历史
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "会话信息"
// @Failure 404 {object} Response "会话不存在"
// @Security ApiKeyAuth
// @Router /v1/conversations/{id} [get]
func (h *HistoryHandler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := conversationIDFromPath(r)
	if conversationID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "conversation ID is required", h.logger)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}

	WriteSuccess(w, conv)
}

// HandleDeleteConversation 删除会话
// @Summary 删除会话
// @Description 删除一个会话及其全部回合记录
// @Tags 历史
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "删除结果"
// @Failure 404 {object} Response "会话不存在"
// @Security ApiKeyAuth
// @Router /v1/conversations/{id} [delete]
func (h *HistoryHandler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := conversationIDFromPath(r)
	if conversationID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "conversation ID is required", h.logger)
		return
	}

	if err := h.store.DeleteConversation(r.Context(), conversationID); err != nil {
		h.handleStoreError(w, err)
		return
	}

	h.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))

	WriteSuccess(w, map[string]any{
		"conversation_id": conversationID,
		"deleted":         true,
	})
}

// HandleListTurns 列出会话的回合
// @Summary 列出回合
// @Description 按时间倒序分页列出一个会话的回合记录
// @Tags 历史
// @Produce json
// @Param id path string true "会话 ID"
// @Param limit query int false "本页条数上限（默认 20，最大 100）"
// @Param offset query int false "起始偏移"
// @Success 200 {object} Response{data=api.TurnPage} "回合分页"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/conversations/{id}/turns [get]
func (h *HistoryHandler) HandleListTurns(w http.ResponseWriter, r *http.Request) {
	conversationID := conversationIDFromPath(r)
	if conversationID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "conversation ID is required", h.logger)
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	turns, total, lerr := h.store.ListTurns(r.Context(), conversationID, limit, offset)
	if lerr != nil {
		h.handleStoreError(w, lerr)
		return
	}

	WriteSuccess(w, api.TurnPage{
		Turns:  turns,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleGetTurn 查询单个回合
// @Summary 查询回合
// @Description 按回合 ID 查询一条回合记录
// @Tags 历史
// @Produce json
// @Param id path string true "回合 ID"
// @Success 200 {object} Response "回合记录"
// @Failure 404 {object} Response "回合不存在"
// @Security ApiKeyAuth
// @Router /v1/turns/{id} [get]
func (h *HistoryHandler) HandleGetTurn(w http.ResponseWriter, r *http.Request) {
	turnID := pathParam(r, "/turns/")
	if turnID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "turn ID is required", h.logger)
		return
	}

	rec, err := h.store.GetTurn(r.Context(), turnID)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}

	WriteSuccess(w, rec)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// handleStoreError 把存储层错误映射为 API 错误
func (h *HistoryHandler) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrConversationNotFound):
		WriteError(w, types.NewNotFoundError("conversation not found"), h.logger)
	case errors.Is(err, history.ErrTurnNotFound):
		WriteError(w, types.NewNotFoundError("turn not found"), h.logger)
	default:
		if typedErr, ok := err.(*types.Error); ok {
			WriteError(w, typedErr, h.logger)
			return
		}
		internalErr := types.NewError(types.ErrInternalError, "history store operation failed").
			WithCause(err).
			WithRetryable(false)
		WriteError(w, internalErr, h.logger)
	}
}

// parsePagination 解析 limit/offset 查询参数，非法值返回 400。
func parsePagination(r *http.Request) (limit, offset int, err *types.Error) {
	limit = defaultPageLimit
	offset = 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 1 {
			return 0, 0, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer")
		}
		limit = n
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 0 {
			return 0, 0, types.NewError(types.ErrInvalidRequest, "offset must be a non-negative integer")
		}
		offset = n
	}

	return limit, offset, nil
}

// conversationIDFromPath 从 URL 路径提取会话 ID。
// 优先用 Go 1.22+ 的 PathValue，直接挂载时回退为手工解析，
// 同时覆盖 /conversations/{id} 与 /conversations/{id}/turns 两种形态。
func conversationIDFromPath(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "conversations" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}

// pathParam 提取 prefix 之后的单段路径参数
func pathParam(r *http.Request, prefix string) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	idx := strings.LastIndex(r.URL.Path, prefix)
	if idx < 0 {
		return ""
	}
	rest := strings.Trim(r.URL.Path[idx+len(prefix):], "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
