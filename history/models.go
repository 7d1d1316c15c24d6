package history

import (
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/turnflow/types"
)

// =============================================================================
// 📜 会话与回合模型
// =============================================================================

// Conversation 会话行，首个回合出现时建立
type Conversation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"size:128;uniqueIndex" json:"conversation_id"` // 外部会话标识
	UserID         string    `gorm:"size:128;not null;index:idx_conversation_user" json:"user_id"`
	Title          string    `gorm:"size:200" json:"title"` // 取首条用户文本
	TurnCount      int       `gorm:"default:0" json:"turn_count"`
	LastTurnAt     time.Time `json:"last_turn_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "tf_conversations"
}

// TurnRecord 已完成回合的流水记录
type TurnRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TurnID         string    `gorm:"size:64;uniqueIndex" json:"turn_id"`
	ConversationID string    `gorm:"size:128;not null;index:idx_turn_conversation" json:"conversation_id"`
	UserID         string    `gorm:"size:128;not null;index:idx_turn_user" json:"user_id"`
	UserText       string    `gorm:"type:text" json:"user_text"`
	ResponseText   string    `gorm:"type:text" json:"response_text"`
	Decision       string    `gorm:"size:32" json:"decision"` // respond_directly / query_memory
	KeyPhrases     []string  `gorm:"serializer:json;type:text" json:"key_phrases"`
	Grounded       bool      `gorm:"default:false" json:"grounded"`
	SourceCount    int       `gorm:"default:0" json:"source_count"` // 接地来源数
	Failed         bool      `gorm:"default:false" json:"failed"`   // 降级兜底回合
	RepairNote     string    `gorm:"size:255" json:"repair_note,omitempty"`
	Model          string    `gorm:"size:64" json:"model,omitempty"`
	LatencyMS      int64     `gorm:"default:0" json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

func (TurnRecord) TableName() string {
	return "tf_turns"
}

// RecordOf 把一个已完成回合折叠为待落库的流水记录。
func RecordOf(req *types.TurnRequest, res *types.TurnResult) *TurnRecord {
	rec := &TurnRecord{
		TurnID:         res.TurnID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		UserText:       req.Text,
		ResponseText:   res.Text,
		Decision:       string(res.Metadata.Decision),
		KeyPhrases:     res.Metadata.KeyPhrases,
		Grounded:       res.Metadata.Grounded,
		SourceCount:    len(res.Metadata.Sources),
		Failed:         res.Metadata.Failed,
		RepairNote:     res.Metadata.RepairNote,
		LatencyMS:      res.Metadata.Elapsed.Milliseconds(),
	}
	if rec.TurnID == "" {
		rec.TurnID = req.TurnID
	}
	return rec
}

// AutoMigrate 建表（SQLite 部署与测试用；生产走 internal/migration）。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Conversation{},
		&TurnRecord{},
	)
}
