package turn

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/types"
)

// ===== 🔎 两阶段接地 =====

// runGrounded 执行接地回合：先做开放网络检索（非流式），把来源立即
// 下沉给调用方，再以系统人格流式重述检索发现。排序保证：来源事件
// 一定先于任何叙述 chunk。
func (o *Orchestrator) runGrounded(ctx context.Context, req *types.TurnRequest, sink eventSink, logger *zap.Logger) *types.TurnResult {
	findings, sources, ok := o.searchPhase(ctx, req)
	if !ok {
		res := failedResult("grounded search exhausted")
		res.Metadata.Grounded = true
		sink.emitChunk(res.Text)
		return res
	}

	// 叙述开始前先把来源推完，界面可以先展示"正在检索"。
	for _, src := range sources {
		if !sink.emitSource(src) {
			break
		}
	}

	text, note := o.refinePhase(ctx, req, findings, sink, logger)
	if text == "" {
		res := failedResult(joinNotes(note, "no grounded narration produced"))
		res.Metadata.Grounded = true
		res.Metadata.Sources = sources
		sink.emitChunk(res.Text)
		return res
	}

	// 重述阶段自身不做检索，第一阶段的来源随结果一起返回。
	res := &types.TurnResult{
		Text:    text,
		Actions: []types.UIAction{},
		Metadata: types.TurnMetadata{
			Decision:   types.DecisionRespondDirectly,
			Grounded:   true,
			Sources:    sources,
			RepairNote: note,
		},
	}
	return res
}

// searchPhase 发起开网检索调用，返回原始发现与接地来源。
func (o *Orchestrator) searchPhase(ctx context.Context, req *types.TurnRequest) (string, []types.GroundingSource, bool) {
	ctx, span := o.tracer.Start(ctx, "turn.search_phase")
	defer span.End()

	gen, err := o.generate(ctx, o.asm.searchPhase(req))
	if err != nil {
		o.rec.Event("turn.generation_exhausted",
			zap.String("turn_id", req.TurnID),
			zap.String("phase", string(StateSearchPhase)),
			zap.Error(err))
		return "", nil, false
	}

	var sources []types.GroundingSource
	if gen.Grounding != nil {
		sources = gen.Grounding.Sources
	}
	span.SetAttributes(attribute.Int("grounding.sources", len(sources)))
	return gen.Text, sources, true
}

// refinePhase 流式重述检索发现，逐块下沉并累积全文。
//
// 重试只包住流的发起：一旦有 chunk 送达调用方就不能重来。中途断流
// 时已累积的文本照常定稿；一个字都没产出时退回原始发现整段下沉，
// 接地回合宁可给出未润色的事实也不给道歉。
func (o *Orchestrator) refinePhase(ctx context.Context, req *types.TurnRequest, findings string, sink eventSink, logger *zap.Logger) (string, string) {
	ctx, span := o.tracer.Start(ctx, "turn.refine_phase")
	defer span.End()

	genReq := o.asm.refinePhase(req, findings)
	stampTrace(ctx, genReq)
	v, err := o.retryer.DoWithResult(ctx, func() (any, error) {
		return o.gen.Stream(ctx, genReq)
	})
	if err != nil {
		o.rec.Event("turn.generation_exhausted",
			zap.String("turn_id", req.TurnID),
			zap.String("phase", string(StateRefinePhase)),
			zap.Error(err))
		return o.fallbackToFindings(req, findings, sink)
	}
	ch := v.(<-chan llm.StreamChunk)

	var b strings.Builder
	note := ""
	for chunk := range ch {
		if chunk.Err != nil {
			// 错误块一定是最后一个；能留住多少叙述就定稿多少。
			o.rec.Event("turn.stream_interrupted",
				zap.String("turn_id", req.TurnID),
				zap.Int("accumulated", b.Len()),
				zap.Error(chunk.Err))
			if b.Len() == 0 {
				return o.fallbackToFindings(req, findings, sink)
			}
			note = "narration stream interrupted"
			break
		}
		if chunk.Delta == "" {
			continue
		}
		b.WriteString(chunk.Delta)
		if !sink.emitChunk(chunk.Delta) {
			// 调用方已取消；生产端随上下文一起收束。
			break
		}
	}

	out := o.repair.Repair(b.String(), true)
	if !out.OK() {
		return o.fallbackToFindings(req, findings, sink)
	}
	return out.Plan.DirectResponse, note
}

// fallbackToFindings 在重述彻底失败时把第一阶段的原始发现整段下沉。
func (o *Orchestrator) fallbackToFindings(req *types.TurnRequest, findings string, sink eventSink) (string, string) {
	text := strings.TrimSpace(findings)
	if text == "" {
		return "", ""
	}
	o.rec.Event("turn.refine_fallback", zap.String("turn_id", req.TurnID))
	sink.emitChunk(text)
	return text, "narration failed; returned raw findings"
}
