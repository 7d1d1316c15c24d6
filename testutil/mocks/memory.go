// =============================================================================
// 🧠 记忆侧测试模拟实现
// =============================================================================
// 覆盖编排器的四个记忆侧协作方：检索器、参数源、上下文汇、摄取通知器。
//
// 使用方法:
//
//	retriever := mocks.NewMockRetriever().WithUnits(units...)
//	sink := mocks.NewMockContextSink()
//	orch, _ := turn.New(cfg, turn.Deps{Generator: g, Retriever: retriever, Contexts: sink})
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/turnflow/memory"
	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🔍 MockRetriever
// =============================================================================

// RetrieveCall 记录一次检索调用的入参
type RetrieveCall struct {
	KeyPhrases []string
	UserID     string
	Params     types.RetrievalParameters
}

// MockRetriever 是 memory.Retriever 的模拟实现
type MockRetriever struct {
	mu sync.RWMutex

	result *types.AugmentedMemoryContext
	err    error
	delay  time.Duration

	calls []RetrieveCall
}

// NewMockRetriever 创建空结果的 MockRetriever
func NewMockRetriever() *MockRetriever {
	return &MockRetriever{result: &types.AugmentedMemoryContext{}}
}

// WithResult 设置完整的检索结果
func (m *MockRetriever) WithResult(result *types.AugmentedMemoryContext) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	return m
}

// WithUnits 设置返回的记忆单元
func (m *MockRetriever) WithUnits(units ...types.MemoryUnit) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		m.result = &types.AugmentedMemoryContext{}
	}
	m.result.Units = append([]types.MemoryUnit{}, units...)
	return m
}

// WithError 设置检索错误
func (m *MockRetriever) WithError(err error) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置检索延迟，用于超时路径测试
func (m *MockRetriever) WithDelay(d time.Duration) *MockRetriever {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Retrieve 实现 memory.Retriever
func (m *MockRetriever) Retrieve(ctx context.Context, keyPhrases []string, userID string, params types.RetrievalParameters) (*types.AugmentedMemoryContext, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RetrieveCall{
		KeyPhrases: append([]string{}, keyPhrases...),
		UserID:     userID,
		Params:     params,
	})
	result, err, delay := m.result, m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCalls 获取所有检索调用记录
func (m *MockRetriever) GetCalls() []RetrieveCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RetrieveCall{}, m.calls...)
}

// GetCallCount 获取检索调用次数
func (m *MockRetriever) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// =============================================================================
// 🎛️ MockParameterSource
// =============================================================================

// MockParameterSource 返回固定检索参数，记录请求过的用户
type MockParameterSource struct {
	mu     sync.RWMutex
	params types.RetrievalParameters
	users  []string
}

// NewMockParameterSource 创建返回默认参数的参数源
func NewMockParameterSource() *MockParameterSource {
	return &MockParameterSource{params: types.DefaultRetrievalParameters()}
}

// WithParams 设置返回的参数集
func (m *MockParameterSource) WithParams(params types.RetrievalParameters) *MockParameterSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = params
	return m
}

// Load 实现参数源端口
func (m *MockParameterSource) Load(ctx context.Context, userID string) types.RetrievalParameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
	return m.params
}

// GetUsers 获取请求过参数的用户列表
func (m *MockParameterSource) GetUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.users...)
}

// =============================================================================
// 📦 MockContextSink
// =============================================================================

// ContextPut 记录一次连续性包写入
type ContextPut struct {
	UserID         string
	ConversationID string
	Package        *types.TurnContextPackage
	TTL            time.Duration
}

// MockContextSink 收集连续性包写入，支持错误注入
type MockContextSink struct {
	mu   sync.RWMutex
	puts []ContextPut
	err  error
}

// NewMockContextSink 创建 MockContextSink
func NewMockContextSink() *MockContextSink {
	return &MockContextSink{}
}

// WithError 设置写入错误
func (m *MockContextSink) WithError(err error) *MockContextSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Put 实现上下文汇端口
func (m *MockContextSink) Put(ctx context.Context, userID, conversationID string, pkg *types.TurnContextPackage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.puts = append(m.puts, ContextPut{
		UserID:         userID,
		ConversationID: conversationID,
		Package:        pkg,
		TTL:            ttl,
	})
	return nil
}

// GetPuts 获取全部写入记录
func (m *MockContextSink) GetPuts() []ContextPut {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ContextPut{}, m.puts...)
}

// LastPut 获取最后一次写入，没有时返回 nil
func (m *MockContextSink) LastPut() *ContextPut {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.puts) == 0 {
		return nil
	}
	p := m.puts[len(m.puts)-1]
	return &p
}

// =============================================================================
// 📮 MockNotifier
// =============================================================================

// MockNotifier 收集摄取通知，支持错误注入
type MockNotifier struct {
	mu      sync.RWMutex
	records []memory.IngestRecord
	err     error
}

// NewMockNotifier 创建 MockNotifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// WithError 设置通知错误
func (m *MockNotifier) WithError(err error) *MockNotifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Notify 实现 memory.Notifier
func (m *MockNotifier) Notify(ctx context.Context, record memory.IngestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

// GetRecords 获取全部摄取记录
func (m *MockNotifier) GetRecords() []memory.IngestRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]memory.IngestRecord{}, m.records...)
}

// GetRecordCount 获取摄取记录条数
func (m *MockNotifier) GetRecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
