package repair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/turnflow/types"
)

// ApologyText 是兜底路径使用的固定道歉回复。
// 最坏情况下调用方也必须收到一条格式完好的直接回复。
const ApologyText = "I'm sorry, I had trouble putting that answer together. Could you try asking me again?"

// Strategy 是一个修复策略：从原始文本到三态结果的纯函数。
type Strategy func(raw string) Outcome

// ===== 📦 线上载荷形状 =====

// planPayload 是第一次合成调用约定的 JSON 载荷形状。
// key_phrases 保持原始形态，由 NormalizeKeyPhrases 统一归一。
type planPayload struct {
	Decision           string                    `json:"decision"`
	KeyPhrases         json.RawMessage           `json:"key_phrases,omitempty"`
	DirectResponseText string                    `json:"direct_response_text,omitempty"`
	Actions            []actionHint              `json:"actions,omitempty"`
	TurnContext        *types.TurnContextPackage `json:"turn_context,omitempty"`
}

// actionHint 是模型输出中的 UI 动作提示，展开后成为完整的
// 确认/取消成对动作。
type actionHint struct {
	Name         string `json:"name"`
	Prompt       string `json:"prompt,omitempty"`
	ConfirmLabel string `json:"confirm_label,omitempty"`
	ConfirmReply string `json:"confirm_reply,omitempty"`
	DismissLabel string `json:"dismiss_label,omitempty"`
	DismissReply string `json:"dismiss_reply,omitempty"`
}

// ===== 🛠 策略一：接地旁路 =====

// GroundingBypass 处理接地模式的模型输出。接地调用返回的是纯散文
// 叙述而非 JSON，直接包装为 respond_directly 结果，跳过全部 JSON 处理。
func GroundingBypass(raw string) Outcome {
	text := strings.TrimSpace(Unescape(raw))
	if text == "" {
		return Failed("empty grounded narration")
	}
	return Parsed(&types.PlannedResponse{
		Decision:       types.DecisionRespondDirectly,
		DirectResponse: text,
	})
}

// ===== 🛠 策略二：直接解析 =====

// DirectParse 剥离代码围栏与前导语后按 JSON 对象边界截取并解析。
func DirectParse(raw string) Outcome {
	candidate, ok := extractCandidate(raw)
	if !ok {
		return Failed("")
	}
	plan, note, err := parsePayload(candidate)
	if err != nil {
		return Failed("")
	}
	if !viable(plan) {
		return Failed("parsed plan has no usable response text")
	}
	if note != "" {
		return Repaired(plan, note)
	}
	return Parsed(plan)
}

// fenceRe 匹配 ```json ... ``` 或 ``` ... ``` 代码围栏。
var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractCandidate 从可能混入围栏或其他文字的响应中取出 JSON 片段。
// 按首 { 尾 } 截取同时天然剥离了"Here is the JSON:"之类的前导语。
func extractCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)

	if strings.Contains(s, "```") {
		if m := fenceRe.FindStringSubmatch(s); len(m) > 1 {
			s = strings.TrimSpace(m[1])
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1], true
	}
	// 截断的对象可能缺少尾 }，交给启发式修复补齐
	if start >= 0 {
		return s[start:], true
	}
	return "", false
}

// ===== 🛠 策略三：启发式修复 =====

// HeuristicRepair 对解析失败的候选片段做累进修复：字段名补引号、
// 去尾随逗号、补齐截断的引号和括号。回复文本字段位于载荷末尾，
// 最常被输出上限截断，因此补齐逻辑向它倾斜。
func HeuristicRepair(raw string) Outcome {
	candidate, ok := extractCandidate(raw)
	if !ok {
		return Failed("")
	}

	transforms := []struct {
		name string
		fn   func(string) string
	}{
		{"quote_fields", quoteFieldNames},
		{"strip_trailing_commas", stripTrailingCommas},
		{"complete_truncation", completeTruncated},
	}

	s := candidate
	for _, tr := range transforms {
		s = tr.fn(s)
		plan, note, err := parsePayload(s)
		if err != nil || !viable(plan) {
			continue
		}
		full := "heuristic:" + tr.name
		if note != "" {
			full += ";" + note
		}
		return Repaired(plan, full)
	}
	return Failed("heuristic repair exhausted")
}

// viable 判断解析出的计划是否真的可用：直接回复路径必须携带非空
// 文本，否则交给后续兜底策略合成道歉回复。检索路径的文本来自第二次
// 合成，此处不作要求。
func viable(plan *types.PlannedResponse) bool {
	if plan == nil {
		return false
	}
	if plan.Decision == types.DecisionQueryMemory {
		return true
	}
	return strings.TrimSpace(plan.DirectResponse) != ""
}

var fieldNameRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

// quoteFieldNames 为裸字段名补引号（{decision: → {"decision":）。
func quoteFieldNames(s string) string {
	return fieldNameRe.ReplaceAllString(s, `$1"$2"$3`)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// stripTrailingCommas 移除对象/数组收尾前的多余逗号。
func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, `$1`)
}

// completeTruncated 扫描候选片段，闭合悬挂的字符串并按嵌套栈补齐
// 缺失的 } / ]。对象键悬挂时补上 `: ""`，悬挂的冒号补空字符串值，
// 悬挂的逗号直接去掉。每个对象帧记录当前位置在键侧还是值侧，
// 否则无法区分截断发生在键名中间还是值中间。
func completeTruncated(s string) string {
	type frame struct {
		closer     byte
		afterColon bool
	}
	var stack []frame
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, frame{closer: '}'})
		case '[':
			stack = append(stack, frame{closer: ']'})
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1].closer == c {
				stack = stack[:len(stack)-1]
			}
		case ':':
			if len(stack) > 0 {
				stack[len(stack)-1].afterColon = true
			}
		case ',':
			if len(stack) > 0 {
				stack[len(stack)-1].afterColon = false
			}
		}
	}

	out := s
	if escaped {
		out = out[:len(out)-1] // 去掉悬挂的转义反斜杠
	}
	out = strings.TrimRight(out, " \t\r\n")

	inKey := len(stack) > 0 && stack[len(stack)-1].closer == '}' && !stack[len(stack)-1].afterColon
	if inString {
		out += `"`
		if inKey {
			out += `: ""`
		}
	} else {
		switch {
		case strings.HasSuffix(out, ":"):
			out += `""`
		case strings.HasSuffix(out, ","):
			out = strings.TrimSuffix(out, ",")
		case strings.HasSuffix(out, `"`) && inKey:
			out += `: ""`
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i].closer)
	}
	return out
}

// ===== 🛠 策略四：决策兜底提取 =====

var decisionRe = regexp.MustCompile(`"?decision"?\s*[:=]\s*"?(respond_directly|query_memory)"?`)

// DecisionFallback 对无法修复的 JSON 状原文只提取 decision 字段。
// query_memory 只允许经过被完整校验的解析路径产生；正则路径上出现
// 它说明载荷结构已不可信，判为失败而不是凭空发起检索。
// 其余情况合成固定道歉文本的最小直接回复。
func DecisionFallback(raw string) Outcome {
	if !strings.ContainsAny(raw, "{}") {
		return Failed("")
	}
	if m := decisionRe.FindStringSubmatch(raw); m != nil {
		if types.Decision(m[1]) == types.DecisionQueryMemory {
			return Failed("query_memory decision recovered outside the checked parse path")
		}
	}
	return Repaired(&types.PlannedResponse{
		Decision:       types.DecisionRespondDirectly,
		DirectResponse: ApologyText,
	}, "decision_fallback_apology")
}

// ===== 🛠 策略五：纯文本透传 =====

// PlaintextPassthrough 处理完全不含大括号的原文：部分合法的完成
// 本来就是不带 JSON 信封的纯散文，整体作为直接回复接受。
func PlaintextPassthrough(raw string) Outcome {
	if strings.ContainsAny(raw, "{}") {
		return Failed("")
	}
	text := strings.TrimSpace(Unescape(raw))
	if text == "" {
		return Failed("empty raw text")
	}
	return Repaired(&types.PlannedResponse{
		Decision:       types.DecisionRespondDirectly,
		DirectResponse: text,
	}, "plaintext_passthrough")
}

// ===== 🔧 归一化 =====

// Unescape 还原被二次转义的序列（\" \n \r \t \\）。
// 上游模型被要求输出 JSON 时偶尔会对回复文本多转义一层。
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '"':
			b.WriteByte('"')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NormalizeKeyPhrases 将 key_phrases 归一为规范的有序字符串序列。
// 接受两种形态：原生字符串数组，或单个逗号分隔字符串（拆分、修剪、
// 滤空）。其他形态视为结构性异常，返回 note 供元数据记录。
func NormalizeKeyPhrases(raw json.RawMessage) ([]string, string) {
	if len(raw) == 0 {
		return nil, ""
	}

	var native []string
	if err := json.Unmarshal(raw, &native); err == nil {
		return cleanPhrases(native), ""
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return cleanPhrases(strings.Split(joined, ",")), "key_phrases_coerced_from_string"
	}

	return nil, "key_phrases_invalid_shape"
}

func cleanPhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// expandActions 将动作提示展开为携带确认/取消成对脚本的完整动作。
// 缺失的标签和回复用固定脚本补齐；两个分支都不允许缺席。
func expandActions(hints []actionHint) []types.UIAction {
	actions := make([]types.UIAction, 0, len(hints))
	for _, h := range hints {
		if strings.TrimSpace(h.Name) == "" {
			continue
		}
		a := types.UIAction{
			Name: strings.TrimSpace(h.Name),
			Payload: types.UIActionPayload{
				Prompt: Unescape(h.Prompt),
				Confirm: types.UIActionOutcome{
					Label: defaultString(h.ConfirmLabel, "Confirm"),
					Reply: defaultString(Unescape(h.ConfirmReply), "Got it, let's do that."),
				},
				Dismiss: types.UIActionOutcome{
					Label: defaultString(h.DismissLabel, "Dismiss"),
					Reply: defaultString(Unescape(h.DismissReply), "No problem, we can skip that."),
				},
			},
		}
		actions = append(actions, a)
	}
	return actions
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// parsePayload 严格解析候选片段并归一化为回合计划。
// 返回的 note 汇总解析过程中容忍的结构性异常。
func parsePayload(candidate string) (*types.PlannedResponse, string, error) {
	var payload planPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, "", err
	}

	var notes []string
	plan := &types.PlannedResponse{
		DirectResponse: Unescape(payload.DirectResponseText),
		Actions:        expandActions(payload.Actions),
		ContextPackage: payload.TurnContext,
	}

	switch d := types.Decision(payload.Decision); d {
	case types.DecisionRespondDirectly, types.DecisionQueryMemory:
		plan.Decision = d
	default:
		// 未识别的决策降级为直接回复，异常记录在 note 中
		plan.Decision = types.DecisionRespondDirectly
		notes = append(notes, fmt.Sprintf("unknown_decision:%q", payload.Decision))
	}

	phrases, phraseNote := NormalizeKeyPhrases(payload.KeyPhrases)
	plan.KeyPhrases = phrases
	if phraseNote != "" {
		notes = append(notes, phraseNote)
	}

	return plan, strings.Join(notes, ";"), nil
}
