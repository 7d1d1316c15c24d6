package repair

import (
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/obs"
)

// namedStrategy 给策略一个可上报的名字。
type namedStrategy struct {
	name string
	fn   Strategy
}

// Pipeline 按固定顺序执行修复策略链。
// 链本身无状态、并发安全；所有容忍决定经 obs.Recorder 上报。
type Pipeline struct {
	rec        obs.Recorder
	strategies []namedStrategy
}

// NewPipeline 创建标准顺序的修复链。
func NewPipeline(rec obs.Recorder) *Pipeline {
	if rec == nil {
		rec = obs.NewZapRecorder(nil)
	}
	return &Pipeline{
		rec: rec,
		strategies: []namedStrategy{
			{"direct_parse", DirectParse},
			{"heuristic_repair", HeuristicRepair},
			{"decision_fallback", DecisionFallback},
			{"plaintext_passthrough", PlaintextPassthrough},
		},
	}
}

// Repair 将原始模型输出转换为类型化计划。
// grounding 为真时走接地旁路，跳过全部 JSON 处理；否则依序尝试
// 直接解析、启发式修复、决策兜底、纯文本透传，前一个失败才进入
// 下一个。全部失败返回 Failed，携带链上最后一个有意义的失败原因。
func (p *Pipeline) Repair(raw string, grounding bool) Outcome {
	if grounding {
		out := GroundingBypass(raw)
		if out.Status == StatusFailed {
			p.rec.Event("repair.exhausted",
				zap.Bool("grounding", true),
				zap.String("reason", out.Note))
		}
		return out
	}

	lastNote := "all repair strategies exhausted"
	for _, s := range p.strategies {
		out := s.fn(raw)
		if out.Status == StatusFailed {
			if out.Note != "" {
				lastNote = out.Note
			}
			continue
		}
		if out.Status == StatusRepaired {
			p.rec.Event("repair.applied",
				zap.String("strategy", s.name),
				zap.String("note", out.Note))
		}
		return out
	}

	p.rec.Event("repair.exhausted",
		zap.Bool("grounding", false),
		zap.String("reason", lastNote))
	return Failed(lastNote)
}
