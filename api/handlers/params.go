package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🎛️ 检索参数管理 Handler
// =============================================================================

// ParameterAdmin 提供按用户检索参数的读写。Load 自身降级、永不失败；
// Save 与 Reset 面向管理面，错误按类型化错误返回。
type ParameterAdmin interface {
	Load(ctx context.Context, userID string) types.RetrievalParameters
	Save(ctx context.Context, userID string, params types.RetrievalParameters) error
	Reset(ctx context.Context, userID string) error
}

// ParamsHandler 按用户检索参数的管理接口处理器。
type ParamsHandler struct {
	store  ParameterAdmin
	logger *zap.Logger
}

// NewParamsHandler 创建检索参数处理器。
func NewParamsHandler(store ParameterAdmin, logger *zap.Logger) *ParamsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParamsHandler{
		store:  store,
		logger: logger,
	}
}

// retrievalParamsResponse 把参数连同归属用户一起返回。
type retrievalParamsResponse struct {
	UserID     string                    `json:"user_id"`
	Parameters types.RetrievalParameters `json:"parameters"`
}

// HandleGetParams 查询用户的检索参数
// @Summary 查询检索参数
// @Description 返回一个用户当前生效的检索参数；未配置时返回默认集
// @Tags 检索参数
// @Produce json
// @Param id path string true "用户 ID"
// @Success 200 {object} Response "当前参数"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/users/{id}/retrieval-params [get]
func (h *ParamsHandler) HandleGetParams(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)
	if userID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user ID is required", h.logger)
		return
	}

	params := h.store.Load(r.Context(), userID)
	WriteSuccess(w, retrievalParamsResponse{UserID: userID, Parameters: params})
}

// HandlePutParams 更新用户的检索参数
// @Summary 更新检索参数
// @Description 部分更新：请求体中出现的字段覆盖当前值，合并结果整体校验后持久化
// @Tags 检索参数
// @Accept json
// @Produce json
// @Param id path string true "用户 ID"
// @Param params body types.RetrievalParameters true "参数字段（可部分）"
// @Success 200 {object} Response "更新后的参数"
// @Failure 400 {object} Response "参数违反权重不变式或取值范围"
// @Security ApiKeyAuth
// @Router /v1/users/{id}/retrieval-params [put]
func (h *ParamsHandler) HandlePutParams(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)
	if userID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user ID is required", h.logger)
		return
	}

	// 在当前生效参数之上合并请求体，缺席字段保持原值
	params := h.store.Load(r.Context(), userID)
	if err := DecodeJSONBody(w, r, &params, h.logger); err != nil {
		return
	}

	if err := h.store.Save(r.Context(), userID, params); err != nil {
		h.handleParamsError(w, err)
		return
	}

	h.logger.Info("retrieval parameters updated",
		zap.String("user_id", userID),
		zap.Float64("semantic_weight", params.SemanticWeight),
		zap.Float64("recency_weight", params.RecencyWeight),
		zap.Float64("importance_weight", params.ImportanceWeight))

	WriteSuccess(w, retrievalParamsResponse{UserID: userID, Parameters: params})
}

// HandleResetParams 重置用户的检索参数
// @Summary 重置检索参数
// @Description 删除用户的参数文档，后续检索回到默认集
// @Tags 检索参数
// @Produce json
// @Param id path string true "用户 ID"
// @Success 200 {object} Response "默认参数"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /v1/users/{id}/retrieval-params [delete]
func (h *ParamsHandler) HandleResetParams(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromPath(r)
	if userID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "user ID is required", h.logger)
		return
	}

	if err := h.store.Reset(r.Context(), userID); err != nil {
		h.handleParamsError(w, err)
		return
	}

	h.logger.Info("retrieval parameters reset", zap.String("user_id", userID))

	WriteSuccess(w, retrievalParamsResponse{
		UserID:     userID,
		Parameters: types.DefaultRetrievalParameters(),
	})
}

// handleParamsError 把参数存储错误映射为 API 错误。
// 权重不变式或取值范围违规由错误码映射走 400，其余按存储故障处理。
func (h *ParamsHandler) handleParamsError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}
	internalErr := types.NewError(types.ErrInternalError, "parameter store operation failed").
		WithCause(err).
		WithRetryable(true)
	WriteError(w, internalErr, h.logger)
}

// userIDFromPath 从 URL 路径提取用户 ID。优先用 Go 1.22+ 的 PathValue，
// 直接挂载时回退为手工解析 /users/{id}/... 形态。
func userIDFromPath(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segments {
		if seg == "users" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}
