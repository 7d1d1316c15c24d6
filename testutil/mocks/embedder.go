// MockEmbedder 的嵌入器测试模拟实现。
//
// 支持确定性向量、按文本预设与错误注入场景。
package mocks

import (
	"context"
	"hash/fnv"
	"sync"
)

// --- MockEmbedder 结构 ---

// MockEmbedder 是 memory.Embedder 的模拟实现。
// 默认对文本做确定性哈希展开：同一文本总得到同一向量，
// 不同文本大概率得到不同向量，足以驱动向量检索腿的测试。
type MockEmbedder struct {
	mu sync.RWMutex

	dim     int
	vectors map[string][]float32
	err     error

	texts []string
}

// NewMockEmbedder 创建维度为 8 的 MockEmbedder
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		dim:     8,
		vectors: map[string][]float32{},
	}
}

// WithDim 设置向量维度
func (m *MockEmbedder) WithDim(dim int) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dim = dim
	return m
}

// WithVector 为特定文本预设向量
func (m *MockEmbedder) WithVector(text string, vec []float32) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = append([]float32{}, vec...)
	return m
}

// WithError 设置嵌入错误
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Embed 实现 memory.Embedder
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.texts = append(m.texts, text)

	if m.err != nil {
		return nil, m.err
	}
	if vec, ok := m.vectors[text]; ok {
		return append([]float32{}, vec...), nil
	}

	// 确定性哈希展开
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, m.dim)
	for i := range vec {
		seed = seed*1664525 + 1013904223
		vec[i] = float32(seed%1000)/1000.0 - 0.5
	}
	return vec, nil
}

// GetTexts 获取嵌入过的文本列表
func (m *MockEmbedder) GetTexts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.texts...)
}
