// =============================================================================
// 📦 测试数据工厂 - 回合请求测试数据
// =============================================================================
// 提供预定义的回合请求与检索参数数据，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 🎯 TurnRequest 工厂
// =============================================================================

// SimpleTurnRequest 返回最小可用的回合请求
func SimpleTurnRequest(text string) *types.TurnRequest {
	return &types.TurnRequest{
		TurnID:         "turn-001",
		UserID:         "user-001",
		ConversationID: "conv-001",
		Text:           text,
	}
}

// TurnRequestWithHistory 返回带 n 轮历史窗口的回合请求
func TurnRequestWithHistory(text string, n int) *types.TurnRequest {
	req := SimpleTurnRequest(text)
	req.History = ConversationHistory(n)
	return req
}

// GroundedTurnRequest 返回开启接地检索的回合请求
func GroundedTurnRequest(text string) *types.TurnRequest {
	req := SimpleTurnRequest(text)
	req.Grounding = true
	return req
}

// TurnRequestWithMedia 返回带图片附件描述的回合请求
func TurnRequestWithMedia(text string) *types.TurnRequest {
	req := SimpleTurnRequest(text)
	req.Media = []types.MediaDescriptor{
		{
			Kind: "image",
			MIME: "image/png",
			URI:  "https://example.com/photo.png",
			Name: "photo.png",
		},
	}
	return req
}

// TurnRequestWithEngagement 返回带界面上下文的回合请求
func TurnRequestWithEngagement(text, view string) *types.TurnRequest {
	req := SimpleTurnRequest(text)
	req.Engagement = &types.EngagementContext{
		View:    view,
		Details: map[string]string{"selected": "item-3"},
	}
	return req
}

// TurnRequestWithPriorContext 返回带上一回合连续性包的回合请求
func TurnRequestWithPriorContext(text, focus string) *types.TurnRequest {
	req := SimpleTurnRequest(text)
	req.PriorContext = ContextPackage(focus)
	return req
}

// =============================================================================
// 💬 会话历史工厂
// =============================================================================

// ConversationHistory 返回 n 轮交替的 用户/助手 消息
func ConversationHistory(n int) []types.Message {
	msgs := make([]types.Message, 0, n*2)
	for i := 1; i <= n; i++ {
		msgs = append(msgs,
			types.NewUserMessage(fmt.Sprintf("user message %d", i)),
			types.NewAssistantMessage(fmt.Sprintf("assistant reply %d", i)),
		)
	}
	return msgs
}

// LongMessage 返回重复 word 直到大致 tokens 个词的消息内容
func LongMessage(word string, tokens int) string {
	out := make([]byte, 0, (len(word)+1)*tokens)
	for i := 0; i < tokens; i++ {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, word...)
	}
	return string(out)
}

// =============================================================================
// 🎛️ 检索参数工厂
// =============================================================================

// ValidParameters 返回一套通过校验的非默认参数
func ValidParameters() types.RetrievalParameters {
	return types.RetrievalParameters{
		SemanticWeight:   0.5,
		RecencyWeight:    0.3,
		ImportanceWeight: 0.2,
		MaxHops:          1,
		MaxUnits:         5,
		MaxConcepts:      3,
		MaxArtifacts:     2,
		TimeoutMS:        2000,
	}
}

// InvalidWeightParameters 返回权重和违反不变式的参数
func InvalidWeightParameters() types.RetrievalParameters {
	p := types.DefaultRetrievalParameters()
	p.SemanticWeight = 0.9 // 和变成 1.3
	return p
}

// =============================================================================
// 📦 连续性包工厂
// =============================================================================

// ContextPackage 返回指定焦点的连续性包
func ContextPackage(focus string) *types.TurnContextPackage {
	return &types.TurnContextPackage{
		NextTurnFocus: focus,
		Tone:          "warm",
		Flags:         []string{"follow_up"},
		CreatedAt:     time.Now(),
	}
}
