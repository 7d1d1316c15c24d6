// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	testutil.AssertMessagesEqual(t, expected, actual)
//	testutil.AssertEventOrder(t, events)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertMessagesEqual 断言两个消息切片相等
func AssertMessagesEqual(t *testing.T, expected, actual []types.Message) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("message count mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}

	for i := range expected {
		if expected[i].Role != actual[i].Role {
			t.Errorf("message[%d] role mismatch: expected %q, got %q", i, expected[i].Role, actual[i].Role)
		}
		if expected[i].Content != actual[i].Content {
			t.Errorf("message[%d] content mismatch: expected %q, got %q", i, expected[i].Content, actual[i].Content)
		}
	}
}

// AssertJSONEqual 断言两个值的 JSON 表示相等
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}

	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual: %s", expectedJSON, actualJSON)
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// AssertEventOrder 断言回合事件流满足顺序文法：
// 零或多个 source，然后零或多个 chunk，最后恰好一个 final。
func AssertEventOrder(t *testing.T, events []types.TurnEvent) {
	t.Helper()

	if len(events) == 0 {
		t.Error("event stream is empty, expected at least a final event")
		return
	}

	const (
		phaseSources = iota
		phaseChunks
		phaseDone
	)
	phase := phaseSources
	finals := 0

	for i, ev := range events {
		switch ev.Kind {
		case types.TurnEventSource:
			if phase != phaseSources {
				t.Errorf("event[%d]: source after chunk or final", i)
			}
		case types.TurnEventChunk:
			if phase == phaseDone {
				t.Errorf("event[%d]: chunk after final", i)
			}
			phase = phaseChunks
		case types.TurnEventFinal:
			finals++
			phase = phaseDone
		default:
			t.Errorf("event[%d]: unknown kind %q", i, ev.Kind)
		}
	}

	if finals != 1 {
		t.Errorf("expected exactly one final event, got %d", finals)
	}
	if events[len(events)-1].Kind != types.TurnEventFinal {
		t.Errorf("last event is %q, expected final", events[len(events)-1].Kind)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// CopyMessages 深拷贝消息切片
func CopyMessages(messages []types.Message) []types.Message {
	if messages == nil {
		return nil
	}
	copied := make([]types.Message, len(messages))
	copy(copied, messages)
	return copied
}

// =============================================================================
// 🌊 流辅助
// =============================================================================

// CollectEvents 收集回合事件流到切片
func CollectEvents(ch <-chan types.TurnEvent) []types.TurnEvent {
	var events []types.TurnEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// SplitEvents 按类别拆分回合事件流，返回来源、分片拼接文本与终值
func SplitEvents(events []types.TurnEvent) ([]types.GroundingSource, string, *types.TurnResult) {
	var sources []types.GroundingSource
	var text strings.Builder
	var final *types.TurnResult
	for _, ev := range events {
		switch ev.Kind {
		case types.TurnEventSource:
			if ev.Source != nil {
				sources = append(sources, *ev.Source)
			}
		case types.TurnEventChunk:
			text.WriteString(ev.Chunk)
		case types.TurnEventFinal:
			final = ev.Final
		}
	}
	return sources, text.String(), final
}

// CollectStreamChunks 收集生成流分片到切片
func CollectStreamChunks(ch <-chan llm.StreamChunk) []llm.StreamChunk {
	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// CollectStreamContent 收集生成流内容到字符串
func CollectStreamContent(ch <-chan llm.StreamChunk) string {
	var content strings.Builder
	for chunk := range ch {
		content.WriteString(chunk.Delta)
	}
	return content.String()
}

// SendChunksToChannel 发送分片到通道
func SendChunksToChannel(chunks []llm.StreamChunk) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			ch <- chunk
		}
	}()
	return ch
}

// =============================================================================
// 📊 基准测试辅助
// =============================================================================

// BenchmarkHelper 基准测试辅助结构
type BenchmarkHelper struct {
	b *testing.B
}

// NewBenchmarkHelper 创建基准测试辅助
func NewBenchmarkHelper(b *testing.B) *BenchmarkHelper {
	return &BenchmarkHelper{b: b}
}

// ResetTimer 重置计时器
func (h *BenchmarkHelper) ResetTimer() {
	h.b.ResetTimer()
}

// ReportAllocs 报告内存分配
func (h *BenchmarkHelper) ReportAllocs() {
	h.b.ReportAllocs()
}

// RunParallel 并行运行基准测试
func (h *BenchmarkHelper) RunParallel(body func()) {
	h.b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			body()
		}
	})
}
