package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/testutil/mocks"
	"github.com/BaSui01/turnflow/types"
)

// installReader 挂接一个手动读取的 MeterProvider，测试结束后还原全局。
func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return reader
}

// counterValue 汇总一个 int64 计数器的所有数据点。
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func newInstrumented(t *testing.T, inner llm.Generator) (*Generator, *sdkmetric.ManualReader) {
	t.Helper()
	reader := installReader(t)
	m, err := NewMetrics()
	require.NoError(t, err)
	return Instrument(inner, m), reader
}

func TestInstrument_GeneratePassthrough(t *testing.T) {
	inner := mocks.NewSuccessGenerator("hello there").WithTokenUsage(120, 40)
	g, reader := newInstrumented(t, inner)

	res, err := g.Generate(context.Background(), &llm.GenerationRequest{UserPrompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, 1, inner.GetCallCount())
	assert.EqualValues(t, 1, counterValue(t, reader, "llm.generation.total"))
	// prompt + completion 两个数据点
	assert.EqualValues(t, 160, counterValue(t, reader, "llm.token.total"))
}

func TestInstrument_GenerateErrorPassthrough(t *testing.T) {
	sentinel := errors.New("backend down")
	g, reader := newInstrumented(t, mocks.NewErrorGenerator(sentinel))

	res, err := g.Generate(context.Background(), &llm.GenerationRequest{UserPrompt: "hi"})

	require.ErrorIs(t, err, sentinel)
	assert.Nil(t, res)
	assert.EqualValues(t, 1, counterValue(t, reader, "llm.generation.total"))
	assert.EqualValues(t, 0, counterValue(t, reader, "llm.token.total"))
}

func TestInstrument_StreamRelaysChunksInOrder(t *testing.T) {
	g, reader := newInstrumented(t, mocks.NewStreamGenerator("one ", "two ", "three"))

	ch, err := g.Stream(context.Background(), &llm.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)

	var deltas []string
	var last llm.StreamChunk
	for chunk := range ch {
		deltas = append(deltas, chunk.Delta)
		last = chunk
	}

	assert.Equal(t, []string{"one ", "two ", "three"}, deltas)
	assert.Equal(t, "stop", last.FinishReason)
	assert.EqualValues(t, 1, counterValue(t, reader, "llm.generation.total"))
	assert.EqualValues(t, 0, counterValue(t, reader, "llm.stream.interrupted.total"))
}

func TestInstrument_StreamInitiationErrorPropagates(t *testing.T) {
	sentinel := errors.New("no stream for you")
	g, reader := newInstrumented(t, mocks.NewErrorGenerator(sentinel))

	ch, err := g.Stream(context.Background(), &llm.GenerationRequest{UserPrompt: "hi"})

	require.ErrorIs(t, err, sentinel)
	assert.Nil(t, ch)
	assert.EqualValues(t, 1, counterValue(t, reader, "llm.generation.total"))
}

func TestInstrument_StreamErrorChunkCountsInterrupted(t *testing.T) {
	inner := mocks.NewMockGenerator().WithStreamFunc(
		func(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 2)
			ch <- llm.StreamChunk{Delta: "partial "}
			ch <- llm.StreamChunk{Err: &types.Error{}}
			close(ch)
			return ch, nil
		})
	g, reader := newInstrumented(t, inner)

	ch, err := g.Stream(context.Background(), &llm.GenerationRequest{UserPrompt: "hi"})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	// 错误块原样透传且保持在末位
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial ", chunks[0].Delta)
	assert.NotNil(t, chunks[1].Err)
	assert.EqualValues(t, 1, counterValue(t, reader, "llm.stream.interrupted.total"))
}

func TestInstrument_NameAndHealthPassthrough(t *testing.T) {
	g, _ := newInstrumented(t, mocks.NewSuccessGenerator("ok"))

	assert.Equal(t, "mock", g.Name())

	status, err := g.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}
