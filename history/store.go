package history

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/turnflow/internal/database"
	"github.com/BaSui01/turnflow/types"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTurnNotFound         = errors.New("turn not found")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// 会话标题取首条用户文本的前 80 个字符
	titleRuneLimit = 80

	appendTxRetries = 3
)

// =============================================================================
// 💾 会话历史存储
// =============================================================================

// Store 会话与回合流水的 GORM 存储
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewStore 创建历史存储
func NewStore(pool *database.PoolManager, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("history store requires a database pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "history_store")),
	}, nil
}

// AppendTurn 落一条回合流水，会话行不存在时顺带建立。
// 调用方按尽力而为处理返回的错误。
func (s *Store) AppendTurn(ctx context.Context, rec *TurnRecord) error {
	if rec == nil {
		return fmt.Errorf("nil turn record")
	}
	if rec.TurnID == "" || rec.UserID == "" || rec.ConversationID == "" {
		return fmt.Errorf("turn record missing identifiers")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	err := s.pool.WithTransactionRetry(ctx, appendTxRetries, func(tx *gorm.DB) error {
		var conv Conversation
		err := tx.Where("conversation_id = ?", rec.ConversationID).First(&conv).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			conv = Conversation{
				ConversationID: rec.ConversationID,
				UserID:         rec.UserID,
				Title:          truncateTitle(rec.UserText),
				TurnCount:      1,
				LastTurnAt:     rec.CreatedAt,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load conversation: %w", err)
		default:
			err := tx.Model(&Conversation{}).
				Where("id = ?", conv.ID).
				Updates(map[string]any{
					"turn_count":   gorm.Expr("turn_count + 1"),
					"last_turn_at": rec.CreatedAt,
				}).Error
			if err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
		}

		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("create turn record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn %s: %w", rec.TurnID, err)
	}

	s.logger.Debug("turn recorded",
		zap.String("turn_id", rec.TurnID),
		zap.String("conversation_id", rec.ConversationID),
		zap.String("decision", rec.Decision))

	return nil
}

// RecentMessages 取会话最近 limit 个回合并展开为生成历史（时间正序）。
// 降级兜底回合不进入历史，避免道歉文本污染后续提示。
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var turns []TurnRecord
	err := s.pool.DB().WithContext(ctx).
		Where("conversation_id = ? AND failed = ?", conversationID, false).
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	// 查询按新到旧，展开按旧到新
	msgs := make([]types.Message, 0, len(turns)*2)
	for i := len(turns) - 1; i >= 0; i-- {
		msgs = append(msgs,
			types.Message{Role: types.RoleUser, Content: turns[i].UserText},
			types.Message{Role: types.RoleAssistant, Content: turns[i].ResponseText},
		)
	}
	return msgs, nil
}

// ListTurns 分页列出会话的回合流水（新到旧），返回总数用于分页。
func (s *Store) ListTurns(ctx context.Context, conversationID string, limit, offset int) ([]TurnRecord, int64, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	db := s.pool.DB().WithContext(ctx)

	var total int64
	if err := db.Model(&TurnRecord{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count turns: %w", err)
	}

	var turns []TurnRecord
	err := db.Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&turns).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list turns: %w", err)
	}
	return turns, total, nil
}

// GetTurn 按回合标识取一条流水。
func (s *Store) GetTurn(ctx context.Context, turnID string) (*TurnRecord, error) {
	var rec TurnRecord
	err := s.pool.DB().WithContext(ctx).Where("turn_id = ?", turnID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load turn: %w", err)
	}
	return &rec, nil
}

// GetConversation 按外部会话标识取会话行。
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	err := s.pool.DB().WithContext(ctx).Where("conversation_id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations 分页列出用户的会话（按最近活动倒序）。
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]Conversation, int64, error) {
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	db := s.pool.DB().WithContext(ctx)

	var total int64
	if err := db.Model(&Conversation{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	var convs []Conversation
	err := db.Where("user_id = ?", userID).
		Order("last_turn_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	return convs, total, nil
}

// DeleteConversation 删除会话及其全部回合流水。
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ?", conversationID).Delete(&Conversation{})
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConversationNotFound
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&TurnRecord{}).Error; err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func truncateTitle(text string) string {
	if utf8.RuneCountInString(text) <= titleRuneLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleRuneLimit])
}
