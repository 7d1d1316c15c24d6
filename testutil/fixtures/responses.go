// =============================================================================
// 📦 测试数据工厂 - 模型输出测试数据
// =============================================================================
// 提供预定义的首合成载荷（规范与畸形变体）、记忆上下文与接地数据
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🎯 首合成载荷工厂
// =============================================================================

// DirectPlanJSON 返回 respond_directly 决策的规范载荷
func DirectPlanJSON(text string) string {
	return fmt.Sprintf(`{
		"decision": "respond_directly",
		"direct_response_text": %q,
		"actions": [],
		"turn_context": {"next_turn_focus": "await follow-up", "tone": "warm"}
	}`, text)
}

// MemoryPlanJSON 返回 query_memory 决策的规范载荷
func MemoryPlanJSON(phrases ...string) string {
	quoted := ""
	for i, p := range phrases {
		if i > 0 {
			quoted += ","
		}
		quoted += fmt.Sprintf("%q", p)
	}
	return fmt.Sprintf(`{
		"decision": "query_memory",
		"key_phrases": [%s],
		"actions": []
	}`, quoted)
}

// PlanWithActionsJSON 返回带一个完整 UI 动作的 respond_directly 载荷
func PlanWithActionsJSON(text, actionName string) string {
	return fmt.Sprintf(`{
		"decision": "respond_directly",
		"direct_response_text": %q,
		"actions": [
			{
				"name": %q,
				"payload": {
					"prompt": "Want me to set that up?",
					"confirm": {"label": "Yes", "reply": "Done, it is set up."},
					"dismiss": {"label": "No", "reply": "Okay, maybe later."}
				}
			}
		]
	}`, text, actionName)
}

// =============================================================================
// 🔧 可修复畸形载荷工厂
// =============================================================================

// FencedPlanJSON 把载荷包进 markdown 代码围栏
func FencedPlanJSON(inner string) string {
	return "Here is the plan:\n```json\n" + inner + "\n```\nLet me know!"
}

// TrailingCommaPlanJSON 返回带尾逗号的 respond_directly 载荷
func TrailingCommaPlanJSON(text string) string {
	return fmt.Sprintf(`{
		"decision": "respond_directly",
		"direct_response_text": %q,
		"actions": [],
	}`, text)
}

// UnquotedKeysPlanJSON 返回键名缺引号的 respond_directly 载荷
func UnquotedKeysPlanJSON(text string) string {
	return fmt.Sprintf(`{
		decision: "respond_directly",
		direct_response_text: %q,
		actions: []
	}`, text)
}

// TruncatedPlanJSON 返回尾部被截断的 respond_directly 载荷
func TruncatedPlanJSON(text string) string {
	return fmt.Sprintf(`{"decision": "respond_directly", "direct_response_text": %q`, text)
}

// =============================================================================
// 🧠 记忆上下文工厂
// =============================================================================

// EmptyMemoryContext 返回空检索结果
func EmptyMemoryContext() *types.AugmentedMemoryContext {
	return &types.AugmentedMemoryContext{}
}

// MemoryContext 返回预填充单元、概念与文档的检索结果，得分已归一
func MemoryContext() *types.AugmentedMemoryContext {
	now := time.Now()
	return &types.AugmentedMemoryContext{
		Units: []types.MemoryUnit{
			{ID: "mu-1", Content: "User adopted a cat named Miso in March.", Kind: "episodic", Score: 0.92, CreatedAt: now.Add(-90 * 24 * time.Hour)},
			{ID: "mu-2", Content: "User prefers short, casual answers.", Kind: "semantic", Score: 0.81, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		},
		Concepts: []types.Concept{
			{ID: "c-1", Name: "cats", Relation: "related_to", Score: 0.7, Depth: 1},
		},
		Artifacts: []types.Artifact{
			{ID: "a-1", Title: "Vet visit notes", Kind: "note", Content: "Miso vaccinated on 2026-05-12.", Score: 0.66},
		},
	}
}

// MemoryUnits 返回 n 条得分递减的记忆单元
func MemoryUnits(n int) []types.MemoryUnit {
	units := make([]types.MemoryUnit, 0, n)
	for i := 0; i < n; i++ {
		units = append(units, types.MemoryUnit{
			ID:      fmt.Sprintf("mu-%d", i+1),
			Content: fmt.Sprintf("memory unit %d", i+1),
			Kind:    "episodic",
			Score:   1.0 - float64(i)*0.05,
		})
	}
	return units
}

// =============================================================================
// 🌐 接地数据工厂
// =============================================================================

// GroundingSources 返回 n 条网络来源
func GroundingSources(n int) []types.GroundingSource {
	sources := make([]types.GroundingSource, 0, n)
	for i := 0; i < n; i++ {
		sources = append(sources, types.GroundingSource{
			URI:     fmt.Sprintf("https://example.com/article-%d", i+1),
			Title:   fmt.Sprintf("Article %d", i+1),
			Snippet: fmt.Sprintf("Snippet of article %d.", i+1),
		})
	}
	return sources
}
