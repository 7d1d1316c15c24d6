package turn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/tokenizer"
	"github.com/BaSui01/turnflow/types"
)

// ===== 📝 提示词模板 =====

// defaultPersona 是未配置人格时的系统人格。
const defaultPersona = `You are a warm, attentive conversational companion. You remember what matters to the user and speak naturally, never mechanically. Keep replies concise unless the user asks for depth.`

// firstSynthesisProtocol 约定首轮合成的 JSON 信封。决策协议：只有当
// 答好这条消息确实需要用户的长期记忆时才选 query_memory。
const firstSynthesisProtocol = `For every user message reply with a single JSON object and nothing else:

{
  "decision": "respond_directly" or "query_memory",
  "key_phrases": ["..."],
  "direct_response_text": "...",
  "actions": [{"name": "...", "prompt": "..."}],
  "turn_context": {"next_turn_focus": "...", "tone": "...", "flags": ["..."]}
}

Rules:
- Choose "query_memory" only when answering well requires the user's stored long-term memories (their past events, stated preferences, saved notes). Then fill "key_phrases" with 1-6 short retrieval phrases and leave "direct_response_text" empty.
- Otherwise choose "respond_directly" and write the complete reply in "direct_response_text".
- "actions" is optional: suggest at most 2 follow-up actions the interface could offer.
- Always fill "turn_context" with a short hint for the next turn.`

// secondSynthesisProtocol 约定二次合成的信封：记忆已经取回，
// 本次必须直接作答。
const secondSynthesisProtocol = `The user's relevant long-term memories have been retrieved and appear below in a [RECALLED MEMORY] block. Reply with a single JSON object and nothing else:

{
  "decision": "respond_directly",
  "direct_response_text": "...",
  "actions": [{"name": "...", "prompt": "..."}],
  "turn_context": {"next_turn_focus": "...", "tone": "...", "flags": ["..."]}
}

Ground your reply in the recalled memories where they are relevant. If the memory block is empty, answer naturally from the conversation alone and do not mention the retrieval.`

// searchPhasePrompt 指挥接地搜索阶段：只产出检索发现，不做终稿。
const searchPhasePrompt = `Search the web for current, reliable information that answers the user's message. Report your findings as plain factual notes: what you found, from which sources, with concrete figures and dates where available. Do not write a polished reply yet.`

// refinePhaseTemplate 指挥接地重述阶段：以系统人格改写检索发现。
const refinePhaseTemplate = `Below are research findings gathered for the user's message. Rewrite them as your own reply, in your usual voice, as plain prose without any JSON wrapper. Do not invent facts beyond the findings.

[FINDINGS]
%s
[END FINDINGS]`

// ===== 🧩 提示词装配 =====

// assembler 负责把回合请求装配成生成调用，并按 token 预算裁剪
// 历史窗口与记忆块。
type assembler struct {
	cfg Config
	tok tokenizer.Tokenizer
}

func newAssembler(cfg Config) *assembler {
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &assembler{cfg: cfg, tok: tokenizer.ForModel(model, 0)}
}

// firstSynthesis 装配首轮合成调用：JSON 强制模式 + 决策协议。
func (a *assembler) firstSynthesis(req *types.TurnRequest) *llm.GenerationRequest {
	return &llm.GenerationRequest{
		UserID:       req.UserID,
		SystemPrompt: a.systemPrompt(firstSynthesisProtocol, req.PriorContext),
		UserPrompt:   renderUserPrompt(req),
		History:      a.trimHistory(req.History),
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxOutputTokens,
		Model:        a.cfg.Model,
		ForceJSON:    true,
	}
}

// secondSynthesis 装配二次合成调用：记忆块注入用户提示词。
func (a *assembler) secondSynthesis(req *types.TurnRequest, mem *types.AugmentedMemoryContext) *llm.GenerationRequest {
	var b strings.Builder
	b.WriteString(a.renderMemoryBlock(mem))
	b.WriteString("\n\n")
	b.WriteString(renderUserPrompt(req))

	return &llm.GenerationRequest{
		UserID:       req.UserID,
		SystemPrompt: a.systemPrompt(secondSynthesisProtocol, req.PriorContext),
		UserPrompt:   b.String(),
		History:      a.trimHistory(req.History),
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxOutputTokens,
		Model:        a.cfg.Model,
		ForceJSON:    true,
	}
}

// searchPhase 装配接地搜索调用：开网络检索、关 JSON 模式。
func (a *assembler) searchPhase(req *types.TurnRequest) *llm.GenerationRequest {
	return &llm.GenerationRequest{
		UserID:       req.UserID,
		SystemPrompt: searchPhasePrompt,
		UserPrompt:   renderUserPrompt(req),
		History:      a.trimHistory(req.History),
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxOutputTokens,
		Model:        a.cfg.Model,
		EnableSearch: true,
	}
}

// refinePhase 装配接地重述调用：流式纯散文，不再搜索。
func (a *assembler) refinePhase(req *types.TurnRequest, findings string) *llm.GenerationRequest {
	return &llm.GenerationRequest{
		UserID:       req.UserID,
		SystemPrompt: a.systemPrompt("", req.PriorContext),
		UserPrompt:   fmt.Sprintf(refinePhaseTemplate, findings),
		History:      a.trimHistory(req.History),
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxOutputTokens,
		Model:        a.cfg.Model,
	}
}

// systemPrompt 组合人格、调用协议与上一回合的连续性提示。
func (a *assembler) systemPrompt(protocol string, prior *types.TurnContextPackage) string {
	persona := a.cfg.Persona
	if persona == "" {
		persona = defaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	if protocol != "" {
		b.WriteString("\n\n")
		b.WriteString(protocol)
	}
	if prior != nil && prior.NextTurnFocus != "" {
		b.WriteString("\n\nContinuity from the previous turn: ")
		b.WriteString(prior.NextTurnFocus)
		if prior.Tone != "" {
			b.WriteString(" (tone: ")
			b.WriteString(prior.Tone)
			b.WriteString(")")
		}
	}
	return b.String()
}

// renderUserPrompt 渲染用户消息：正文 + 媒体描述 + 界面语境提示。
// 编排器只传递媒体描述符，从不拉取字节本体。
func renderUserPrompt(req *types.TurnRequest) string {
	var b strings.Builder
	b.WriteString(req.Text)

	for _, m := range req.Media {
		b.WriteString("\n[attached ")
		b.WriteString(m.Kind)
		if m.Name != "" {
			b.WriteString(": ")
			b.WriteString(m.Name)
		}
		if m.MIME != "" {
			b.WriteString(" (")
			b.WriteString(m.MIME)
			b.WriteString(")")
		}
		b.WriteString("]")
	}

	if e := req.Engagement; e != nil && e.View != "" {
		b.WriteString("\n[user is currently viewing: ")
		b.WriteString(e.View)
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("; ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Details[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// renderMemoryBlock 渲染取回的记忆。空结果渲染为显式空块，
// 二次合成照常进行。
func (a *assembler) renderMemoryBlock(mem *types.AugmentedMemoryContext) string {
	var b strings.Builder
	b.WriteString("[RECALLED MEMORY]\n")

	if mem.Empty() {
		b.WriteString("(no relevant memories were found)\n")
		b.WriteString("[END MEMORY]")
		return b.String()
	}

	budget := a.cfg.MemoryBudget
	used := 0
	write := func(line string) bool {
		n := a.countTokens(line)
		if budget > 0 && used+n > budget {
			return false
		}
		used += n
		b.WriteString(line)
		return true
	}

	for _, u := range mem.Units {
		if !write(fmt.Sprintf("- memory (%.2f): %s\n", u.Score, u.Content)) {
			break
		}
	}
	if len(mem.Concepts) > 0 {
		names := make([]string, 0, len(mem.Concepts))
		for _, c := range mem.Concepts {
			names = append(names, c.Name)
		}
		write(fmt.Sprintf("- related concepts: %s\n", strings.Join(names, ", ")))
	}
	for _, art := range mem.Artifacts {
		title := art.Title
		if title == "" {
			title = art.Kind
		}
		if !write(fmt.Sprintf("- note %q (%.2f): %s\n", title, art.Score, art.Content)) {
			break
		}
	}

	b.WriteString("[END MEMORY]")
	return b.String()
}

// trimHistory 从最近一条往回累计 token，超出预算即截断。
// 最近一条永远保留，哪怕它单独就超了预算。
func (a *assembler) trimHistory(history []types.Message) []types.Message {
	if len(history) == 0 {
		return nil
	}
	budget := a.cfg.HistoryBudget
	if budget <= 0 {
		return history
	}

	total := 0
	cut := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := a.countTokens(history[i].Content)
		if total+n > budget && i < len(history)-1 {
			cut = i + 1
			break
		}
		total += n
	}
	return history[cut:]
}

// countTokens 计数失败时退回字符估算，裁剪只需要近似值。
func (a *assembler) countTokens(text string) int {
	n, err := a.tok.CountTokens(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return n
}
