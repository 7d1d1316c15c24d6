// MockGenerator 的生成后端测试模拟实现。
//
// 支持脚本化多次调用、流式输出与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
)

// --- MockGenerator 结构 ---

// MockGenerator 是 llm.Generator 的模拟实现。
// 编排器一个回合会打多次生成调用（首合成、检索后合成、接地两阶段），
// 因此响应按脚本逐次供给：脚本耗尽后重复最后一条。
type MockGenerator struct {
	mu sync.RWMutex

	// 响应配置
	script       []ScriptedResult
	streamChunks []string
	err          error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls        []MockGeneratorCall
	generateFunc func(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error)
	streamFunc   func(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error)

	// 行为控制
	delay     time.Duration
	failAfter int
	callCount int
}

// ScriptedResult 是脚本中的一步：返回文本、接地元数据或错误。
type ScriptedResult struct {
	Text      string
	Grounding *llm.GroundingMetadata
	Err       error
}

// MockGeneratorCall 记录单次调用
type MockGeneratorCall struct {
	Request *llm.GenerationRequest
	Result  *llm.GenerationResult
	Error   error
}

// --- 构造函数和 Builder 方法 ---

// NewMockGenerator 创建新的 MockGenerator
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 追加一条固定文本响应到脚本
func (m *MockGenerator) WithResponse(text string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ScriptedResult{Text: text})
	return m
}

// WithScript 重置脚本为给定序列
func (m *MockGenerator) WithScript(script ...ScriptedResult) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append([]ScriptedResult{}, script...)
	return m
}

// WithError 设置所有调用返回错误
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应分片
func (m *MockGenerator) WithStreamChunks(chunks ...string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = append([]string{}, chunks...)
	return m
}

// WithGrounding 追加一条带接地元数据的响应到脚本
func (m *MockGenerator) WithGrounding(text string, sources []types.GroundingSource, queries ...string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ScriptedResult{
		Text:      text,
		Grounding: &llm.GroundingMetadata{Sources: sources, Queries: queries},
	})
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockGenerator) WithTokenUsage(prompt, completion int) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟
func (m *MockGenerator) WithDelay(d time.Duration) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockGenerator) WithFailAfter(n int) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithGenerateFunc 设置自定义 Generate 函数
func (m *MockGenerator) WithGenerateFunc(fn func(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error)) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockGenerator) WithStreamFunc(fn func(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error)) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Generator 接口实现 ---

// Name 返回后端名称
func (m *MockGenerator) Name() string {
	return "mock"
}

// HealthCheck 执行健康检查
func (m *MockGenerator) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{
		Healthy: true,
		Latency: 10 * time.Millisecond,
	}, nil
}

// Generate 按脚本返回下一条生成结果
func (m *MockGenerator) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	m.mu.Lock()

	m.callCount++
	i := m.callCount - 1
	delay := m.delay

	// 检查是否应该失败
	if m.failAfter > 0 && m.callCount > m.failAfter {
		err := errors.New("mock generator: configured to fail after N calls")
		m.calls = append(m.calls, MockGeneratorCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}

	// 检查是否有预设错误
	if m.err != nil {
		err := m.err
		m.calls = append(m.calls, MockGeneratorCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}

	// 使用自定义函数
	if m.generateFunc != nil {
		fn := m.generateFunc
		m.mu.Unlock()
		resp, err := fn(ctx, req)
		m.mu.Lock()
		m.calls = append(m.calls, MockGeneratorCall{Request: req, Result: resp, Error: err})
		m.mu.Unlock()
		return resp, err
	}

	if len(m.script) == 0 {
		err := errors.New("mock generator: no scripted response")
		m.calls = append(m.calls, MockGeneratorCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}

	// 脚本耗尽后重复最后一条
	step := m.script[len(m.script)-1]
	if i < len(m.script) {
		step = m.script[i]
	}

	if step.Err != nil {
		m.calls = append(m.calls, MockGeneratorCall{Request: req, Error: step.Err})
		m.mu.Unlock()
		return nil, step.Err
	}

	resp := &llm.GenerationResult{
		ID:           "mock-result-id",
		Provider:     "mock",
		Model:        req.Model,
		Text:         step.Text,
		FinishReason: "stop",
		Grounding:    step.Grounding,
		Usage: llm.Usage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}

	m.calls = append(m.calls, MockGeneratorCall{Request: req, Result: resp})
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return resp, nil
}

// Stream 按配置的分片流式返回
func (m *MockGenerator) Stream(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()

	m.callCount++
	m.calls = append(m.calls, MockGeneratorCall{Request: req})

	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}

	if m.streamFunc != nil {
		fn := m.streamFunc
		m.mu.Unlock()
		return fn(ctx, req)
	}

	chunks := append([]string{}, m.streamChunks...)
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for i, chunk := range chunks {
			finish := ""
			if i == len(chunks)-1 {
				finish = "stop"
			}
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamChunk{
				ID:           "mock-chunk-id",
				Provider:     "mock",
				Model:        req.Model,
				Delta:        chunk,
				FinishReason: finish,
			}:
			}
		}
	}()
	return ch, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockGenerator) GetCalls() []MockGeneratorCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockGeneratorCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockGenerator) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetLastCall 获取最后一次调用
func (m *MockGenerator) GetLastCall() *MockGeneratorCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset 重置所有状态
func (m *MockGenerator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
}

// --- 预设 Generator 工厂 ---

// NewSuccessGenerator 创建总是返回同一文本的 Generator
func NewSuccessGenerator(text string) *MockGenerator {
	return NewMockGenerator().WithResponse(text)
}

// NewErrorGenerator 创建总是失败的 Generator
func NewErrorGenerator(err error) *MockGenerator {
	return NewMockGenerator().WithError(err)
}

// NewStreamGenerator 创建流式响应的 Generator
func NewStreamGenerator(chunks ...string) *MockGenerator {
	return NewMockGenerator().WithStreamChunks(chunks...)
}

// NewFlakyGenerator 创建在第 N 次调用后开始失败的 Generator
func NewFlakyGenerator(failAfter int, text string) *MockGenerator {
	return NewMockGenerator().
		WithResponse(text).
		WithFailAfter(failAfter)
}
