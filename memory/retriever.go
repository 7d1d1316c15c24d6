package memory

import (
	"context"

	"github.com/BaSui01/turnflow/types"
)

// Retriever 按关键短语取回一位用户的长期记忆。
//
// 实现必须保证：空结果不是错误（返回空的上下文与 nil error）；
// 单条检索腿失败时降级为部分结果；返回的所有得分已归一到 [0,1]。
type Retriever interface {
	Retrieve(ctx context.Context, keyPhrases []string, userID string, params types.RetrievalParameters) (*types.AugmentedMemoryContext, error)
}

// Embedder 将一段文本编码为稠密向量，供向量检索腿使用。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
