package tokenizer

// Tokenizer 是统一的 token 计数界面.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// ForModel 为给定模型返回最合适的分词器。
// Gemini 系列没有公开的 tiktoken 编码, 用 cl100k_base 做预算近似;
// 编码初始化失败时退回到字符估算器。
func ForModel(model string, maxTokens int) Tokenizer {
	t, err := NewTiktokenTokenizer(model, maxTokens)
	if err != nil {
		return NewEstimatorTokenizer(model, maxTokens)
	}
	return t
}
