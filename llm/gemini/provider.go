package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/tlsutil"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
)

// defaultModel 是未显式配置模型时使用的默认值。
const defaultModel = "gemini-2.5-flash"

// defaultEmbedModel 是嵌入调用的默认模型。
const defaultEmbedModel = "gemini-embedding-001"

// Config 定义 Gemini 后端的连接参数。
type Config struct {
	APIKey     string        `yaml:"api_key" json:"api_key"`
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	Model      string        `yaml:"model" json:"model"`
	EmbedModel string        `yaml:"embed_model" json:"embed_model"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Provider 实现基于 Google Gemini 的 llm.Generator。
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. responseMimeType 可强制 JSON 输出（非流式合成调用使用）
// 3. google_search 内置工具提供网络检索与 grounding 元数据
// 4. 流式接口通过 SSE（alt=sse）逐块返回
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New 创建 Gemini Provider。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", "gemini")),
	}
}

func (p *Provider) Name() string { return "gemini" }

// HealthCheck 通过列出模型探测后端可达性。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency, Message: msg},
			fmt.Errorf("gemini health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ===== 📦 Gemini 消息结构 =====

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

// geminiTool 仅携带内置的 google_search 工具；本服务不做函数调用。
type geminiTool struct {
	GoogleSearch *geminiGoogleSearch `json:"google_search,omitempty"`
}

type geminiGoogleSearch struct{}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	// ResponseMimeType 设为 application/json 时 Gemini 强制输出 JSON。
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiWeb struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

type geminiGroundingChunk struct {
	Web *geminiWeb `json:"web,omitempty"`
}

type geminiGroundingMetadata struct {
	GroundingChunks  []geminiGroundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries []string               `json:"webSearchQueries,omitempty"`
}

type geminiCandidate struct {
	Content           geminiContent            `json:"content"`
	FinishReason      string                   `json:"finishReason,omitempty"`
	Index             int                      `json:"index"`
	GroundingMetadata *geminiGroundingMetadata `json:"groundingMetadata,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ===== 🔧 请求构建 =====

func (p *Provider) buildHeaders(req *http.Request) {
	// Gemini 使用 x-goog-api-key 认证
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// buildContents 将统一请求转换为 Gemini 的 system + contents 结构。
func buildContents(req *llm.GenerationRequest) (*geminiContent, []geminiContent) {
	var system *geminiContent
	if req.SystemPrompt != "" {
		system = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" || m.Role == types.RoleSystem {
			continue
		}
		role := string(m.Role)
		if role == "assistant" {
			role = "model" // Gemini 使用 "model" 而不是 "assistant"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.UserPrompt}},
	})
	return system, contents
}

func buildBody(req *llm.GenerationRequest) geminiRequest {
	system, contents := buildContents(req)
	body := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
	}

	gc := &geminiGenerationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.ForceJSON && !req.EnableSearch {
		// JSON 输出模式与搜索工具在 API 层互斥
		gc.ResponseMimeType = "application/json"
	}
	if gc.Temperature > 0 || gc.MaxOutputTokens > 0 || gc.ResponseMimeType != "" {
		body.GenerationConfig = gc
	}

	if req.EnableSearch {
		body.Tools = []geminiTool{{GoogleSearch: &geminiGoogleSearch{}}}
	}
	return body
}

func (p *Provider) chooseModel(req *llm.GenerationRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return defaultModel
}

// ===== 🚀 非流式生成 =====

// Generate 执行一次非流式生成调用。
func (p *Provider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	payload, _ := json.Marshal(buildBody(req))
	model := p.chooseModel(req)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, (&types.Error{
			Code:       types.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, (&types.Error{
			Code:       types.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}).WithCause(err)
	}

	return toResult(gr, p.Name(), model), nil
}

func toResult(gr geminiResponse, provider, model string) *llm.GenerationResult {
	result := &llm.GenerationResult{
		ID:        gr.ResponseID,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now(),
	}
	if gr.ModelVersion != "" {
		result.Model = gr.ModelVersion
	}

	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		result.Text = sb.String()
		result.FinishReason = cand.FinishReason
		result.Grounding = extractGrounding(cand.GroundingMetadata)
	}

	if gr.UsageMetadata != nil {
		result.Usage = llm.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return result
}

// extractGrounding 将 groundingMetadata 转换为统一的来源列表。
// 去重按 URI；没有 URI 的 chunk 丢弃。
func extractGrounding(gm *geminiGroundingMetadata) *llm.GroundingMetadata {
	if gm == nil {
		return nil
	}
	out := &llm.GroundingMetadata{Queries: gm.WebSearchQueries}
	seen := make(map[string]bool, len(gm.GroundingChunks))
	for _, gc := range gm.GroundingChunks {
		if gc.Web == nil || gc.Web.URI == "" || seen[gc.Web.URI] {
			continue
		}
		seen[gc.Web.URI] = true
		out.Sources = append(out.Sources, types.GroundingSource{
			URI:   gc.Web.URI,
			Title: gc.Web.Title,
		})
	}
	if len(out.Sources) == 0 && len(out.Queries) == 0 {
		return nil
	}
	return out
}

// ===== 🌊 流式生成 =====

// Stream 执行一次 SSE 流式生成调用。
// 通道在最后一个块之后关闭；错误块一定是最后一个。
func (p *Provider) Stream(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
	payload, _ := json.Marshal(buildBody(req))
	model := p.chooseModel(req)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, (&types.Error{
			Code:       types.ErrUpstreamError,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		// 单个 SSE 事件可能很大，放宽缓冲上限到 1MB
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var gr geminiResponse
			if err := json.Unmarshal([]byte(data), &gr); err != nil {
				p.logger.Debug("skipping unparseable sse event", zap.Error(err))
				continue
			}

			for _, cand := range gr.Candidates {
				var sb strings.Builder
				for _, part := range cand.Content.Parts {
					sb.WriteString(part.Text)
				}
				if sb.Len() == 0 && cand.FinishReason == "" {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{
					ID:           gr.ResponseID,
					Provider:     p.Name(),
					Model:        model,
					Delta:        sb.String(),
					FinishReason: cand.FinishReason,
				}:
				}
			}

			if gr.UsageMetadata != nil {
				select {
				case <-ctx.Done():
					return
				case ch <- llm.StreamChunk{
					Provider: p.Name(),
					Model:    model,
					Usage: &llm.Usage{
						PromptTokens:     gr.UsageMetadata.PromptTokenCount,
						CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      gr.UsageMetadata.TotalTokenCount,
					},
				}:
				}
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case <-ctx.Done():
			case ch <- llm.StreamChunk{
				Err: (&types.Error{
					Code:       types.ErrUpstreamError,
					Message:    err.Error(),
					HTTPStatus: http.StatusBadGateway,
					Retryable:  true,
					Provider:   p.Name(),
				}).WithCause(err),
			}:
			}
		}
	}()

	return ch, nil
}

// ===== ⚠️ 错误处理 =====

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
	}
	return string(data)
}

func mapError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return &types.Error{Code: types.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &types.Error{Code: types.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusNotFound:
		return &types.Error{Code: types.ErrModelNotFound, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &types.Error{Code: types.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
			return &types.Error{Code: types.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &types.Error{Code: types.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &types.Error{Code: types.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
