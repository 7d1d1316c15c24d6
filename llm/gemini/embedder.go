package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/BaSui01/turnflow/types"
)

// ===== 🧮 文本嵌入 =====

type geminiEmbedRequest struct {
	Model   string        `json:"model,omitempty"`
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed 将一段文本编码为稠密向量，供检索侧的向量腿消费。
// 使用 embedContent 端点与独立的嵌入模型（默认 gemini-embedding-001）。
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &types.Error{
			Code:     types.ErrInvalidRequest,
			Message:  "embed: empty text",
			Provider: p.Name(),
		}
	}

	model := p.cfg.EmbedModel
	if model == "" {
		model = defaultEmbedModel
	}

	body := geminiEmbedRequest{
		Model:   "models/" + model,
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &types.Error{
			Code:     types.ErrInternalError,
			Message:  "embed: failed to marshal request",
			Provider: p.Name(),
		}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:embedContent",
		strings.TrimRight(p.cfg.BaseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.Error{
			Code:     types.ErrInternalError,
			Message:  "embed: failed to build request",
			Provider: p.Name(),
		}
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, (&types.Error{
			Code:      types.ErrUpstreamError,
			Message:   "embed: request failed",
			Retryable: true,
			Provider:  p.Name(),
		}).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var er geminiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, (&types.Error{
			Code:     types.ErrUpstreamError,
			Message:  "embed: failed to decode response",
			Provider: p.Name(),
		}).WithCause(err)
	}
	if len(er.Embedding.Values) == 0 {
		return nil, &types.Error{
			Code:     types.ErrUpstreamError,
			Message:  "embed: response carries no vector",
			Provider: p.Name(),
		}
	}
	return er.Embedding.Values, nil
}
