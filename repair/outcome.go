package repair

import "github.com/BaSui01/turnflow/types"

// Status 标记一次修复尝试的结果等级。
type Status string

const (
	// StatusParsed 表示原文无需修改即解析成功。
	StatusParsed Status = "parsed"

	// StatusRepaired 表示经过某种容忍或修复后成功，Note 记录修复方式。
	StatusRepaired Status = "repaired"

	// StatusFailed 表示当前策略无法处理该原文。
	StatusFailed Status = "failed"
)

// Outcome 是修复策略的统一返回值。
// 它是 Parsed | Repaired(note) | Failed(note) 的和类型表达：
// Plan 仅在非 Failed 时有效，且保证 Actions 非 nil。
type Outcome struct {
	Status Status
	Plan   *types.PlannedResponse
	Note   string
}

// OK 报告本次结果是否携带可用的计划。
func (o Outcome) OK() bool {
	return o.Status != StatusFailed && o.Plan != nil
}

// Parsed 构造一个未经修复的成功结果。
func Parsed(plan *types.PlannedResponse) Outcome {
	ensureActions(plan)
	return Outcome{Status: StatusParsed, Plan: plan}
}

// Repaired 构造一个经修复的成功结果，note 说明采用的修复方式。
func Repaired(plan *types.PlannedResponse, note string) Outcome {
	ensureActions(plan)
	return Outcome{Status: StatusRepaired, Plan: plan, Note: note}
}

// Failed 构造一个失败结果。空 note 表示"策略不适用"，
// 链会保留最后一个非空 note 作为最终失败原因。
func Failed(note string) Outcome {
	return Outcome{Status: StatusFailed, Note: note}
}

// ensureActions 保证计划的动作列表永不为 nil。
func ensureActions(plan *types.PlannedResponse) {
	if plan != nil && plan.Actions == nil {
		plan.Actions = []types.UIAction{}
	}
}
