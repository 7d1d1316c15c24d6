package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/turnflow/llm"
)

const instrumentationName = "github.com/BaSui01/turnflow/llm"

// ===== 📊 指标收集器 =====

// Metrics 是生成调用的指标收集器。
type Metrics struct {
	meter metric.Meter
	// 计数器
	generationTotal  metric.Int64Counter
	tokenTotal       metric.Int64Counter
	streamInterrupts metric.Int64Counter
	// 直方图
	generationDuration metric.Float64Histogram
	tokenCount         metric.Int64Histogram
	// 活跃调用数
	activeGenerations metric.Int64UpDownCounter
}

// NewMetrics 从全局 MeterProvider 创建指标收集器。
// 未注册 MeterProvider 时所有仪表都是 noop，记录调用安全且零开销。
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{meter: meter}

	var err error

	m.generationTotal, err = meter.Int64Counter("llm.generation.total",
		metric.WithDescription("Total number of generation calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	m.tokenTotal, err = meter.Int64Counter("llm.token.total",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.streamInterrupts, err = meter.Int64Counter("llm.stream.interrupted.total",
		metric.WithDescription("Streamed calls terminated by an error chunk"),
		metric.WithUnit("{stream}"))
	if err != nil {
		return nil, err
	}

	m.generationDuration, err = meter.Float64Histogram("llm.generation.duration",
		metric.WithDescription("Generation call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	if err != nil {
		return nil, err
	}

	m.tokenCount, err = meter.Int64Histogram("llm.token.count",
		metric.WithDescription("Token count per call"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 2000, 4000, 8000, 16000, 32000))
	if err != nil {
		return nil, err
	}

	m.activeGenerations, err = meter.Int64UpDownCounter("llm.generation.active",
		metric.WithDescription("Number of in-flight generation calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// callMode 区分三种出站调用形态：JSON 信封合成、搜索接地、纯散文。
func callMode(req *llm.GenerationRequest) string {
	switch {
	case req.EnableSearch:
		return "search"
	case req.ForceJSON:
		return "json"
	default:
		return "plain"
	}
}

func (m *Metrics) callAttrs(provider, model, mode, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("mode", mode),
		attribute.String("status", status),
	}
}

// recordCall 记录一次完成的调用：总量、延迟，以及成功时的 token 消耗。
func (m *Metrics) recordCall(ctx context.Context, provider, model, mode, status string, dur time.Duration, usage *llm.Usage) {
	attrs := metric.WithAttributes(m.callAttrs(provider, model, mode, status)...)
	m.generationTotal.Add(ctx, 1, attrs)
	m.generationDuration.Record(ctx, dur.Seconds(), attrs)

	if usage == nil || usage.TotalTokens <= 0 {
		return
	}
	m.tokenTotal.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("type", "prompt")))
	m.tokenTotal.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("type", "completion")))
	m.tokenCount.Record(ctx, int64(usage.TotalTokens), attrs)
}

// ===== 🎁 Generator 装饰器 =====

// Generator 包装一个 llm.Generator，为每次出站调用记录指标。
// 对被包装实现完全透明：块序、关闭时机与错误语义原样透传。
type Generator struct {
	inner llm.Generator
	m     *Metrics
}

// Instrument 把指标采集叠加到一个生成后端上。
func Instrument(inner llm.Generator, m *Metrics) *Generator {
	return &Generator{inner: inner, m: m}
}

// Generate 实现 llm.Generator。
func (g *Generator) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	mode := callMode(req)
	active := metric.WithAttributes(
		attribute.String("provider", g.inner.Name()),
		attribute.String("mode", mode))
	g.m.activeGenerations.Add(ctx, 1, active)
	start := time.Now()

	res, err := g.inner.Generate(ctx, req)

	g.m.activeGenerations.Add(ctx, -1, active)
	if err != nil {
		g.m.recordCall(ctx, g.inner.Name(), req.Model, mode, "error", time.Since(start), nil)
		return nil, err
	}
	model := res.Model
	if model == "" {
		model = req.Model
	}
	g.m.recordCall(ctx, res.Provider, model, mode, "ok", time.Since(start), &res.Usage)
	return res, nil
}

// Stream 实现 llm.Generator。指标在流收尾时记录：usage 块提供 token
// 消耗，错误块把状态记为 interrupted。
func (g *Generator) Stream(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
	mode := callMode(req)
	provider := g.inner.Name()
	start := time.Now()

	inner, err := g.inner.Stream(ctx, req)
	if err != nil {
		g.m.recordCall(ctx, provider, req.Model, mode, "error", time.Since(start), nil)
		return nil, err
	}

	active := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("mode", mode))
	g.m.activeGenerations.Add(ctx, 1, active)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)

		model := req.Model
		status := "ok"
		var usage *llm.Usage

		for chunk := range inner {
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				status = "interrupted"
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				status = "interrupted"
			}
		}

		g.m.activeGenerations.Add(ctx, -1, active)
		g.m.recordCall(ctx, provider, model, mode, status, time.Since(start), usage)
		if status == "interrupted" {
			g.m.streamInterrupts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("mode", mode)))
		}
	}()
	return out, nil
}

// HealthCheck 实现 llm.Generator。
func (g *Generator) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return g.inner.HealthCheck(ctx)
}

// Name 实现 llm.Generator。
func (g *Generator) Name() string {
	return g.inner.Name()
}
