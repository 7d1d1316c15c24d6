package llm

import (
	"context"
	"time"

	"github.com/BaSui01/turnflow/types"
)

// GenerationRequest is the input of one generation call.
type GenerationRequest struct {
	TraceID string `json:"trace_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`

	SystemPrompt string          `json:"system_prompt,omitempty"`
	UserPrompt   string          `json:"user_prompt"`
	History      []types.Message `json:"history,omitempty"`

	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Model       string        `json:"model,omitempty"` // override of the configured default
	Timeout     time.Duration `json:"timeout,omitempty"`

	// ForceJSON asks the backend for its JSON-enforcing output mode. Used by
	// every non-grounded synthesis call.
	ForceJSON bool `json:"force_json,omitempty"`

	// EnableSearch turns on the backend's web search tool. Used only by the
	// grounding search phase; the result then carries GroundingMetadata.
	EnableSearch bool `json:"enable_search,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// GroundingMetadata describes the web sources a search-enabled call consulted.
type GroundingMetadata struct {
	Sources []types.GroundingSource `json:"sources"`
	Queries []string                `json:"queries,omitempty"`
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the output of one non-streamed generation call.
type GenerationResult struct {
	ID           string             `json:"id,omitempty"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	Text         string             `json:"text"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Grounding    *GroundingMetadata `json:"grounding,omitempty"`
	Usage        Usage              `json:"usage"`
	CreatedAt    time.Time          `json:"created_at,omitempty"`
}

// StreamChunk is one fragment of a streamed generation call. A chunk with a
// non-nil Err terminates the stream.
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// HealthStatus reports backend reachability.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Generator is the text-generation port the orchestrator depends on.
// Implementations map transport failures to *types.Error with the Retryable
// flag set; the retry subpackage honors that flag.
type Generator interface {
	// Generate performs one non-streamed call.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)

	// Stream performs one streamed call. The returned channel is closed after
	// the last chunk; an error chunk is always the final one.
	Stream(ctx context.Context, req *GenerationRequest) (<-chan StreamChunk, error)

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the backend identifier ("gemini", "mock", ...).
	Name() string
}
