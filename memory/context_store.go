package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/cache"
	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/types"
)

// DefaultContextTTL 是回合连续性上下文的默认存活时间。过期即沉默失效：
// 下一回合拿不到上下文包时按无包组装提示词。
const DefaultContextTTL = 600 * time.Second

// ContextStore 持久化回合间的连续性上下文包。
//
// 键形如 turn_context:{userId}:{conversationId}，同一会话并发写入
// 按后写覆盖（last-write-wins）。编排器对 Put 按火忘式处理：
// 写失败只上报事件，不影响回合结果。
type ContextStore struct {
	cache  *cache.Manager
	rec    obs.Recorder
	logger *zap.Logger
}

// NewContextStore 创建上下文存取器。
func NewContextStore(cacheMgr *cache.Manager, rec obs.Recorder, logger *zap.Logger) *ContextStore {
	if rec == nil {
		rec = obs.NewZapRecorder(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextStore{
		cache:  cacheMgr,
		rec:    rec,
		logger: logger.With(zap.String("component", "context_store")),
	}
}

// contextKey 返回一个会话的连续性上下文键。
func contextKey(userID, conversationID string) string {
	return fmt.Sprintf("turn_context:%s:%s", userID, conversationID)
}

// Put 写入一个会话的连续性上下文包。nil 包是合法输入（本回合没有
// 产出上下文），直接返回。ttl <= 0 时使用 DefaultContextTTL。
func (s *ContextStore) Put(ctx context.Context, userID, conversationID string, pkg *types.TurnContextPackage, ttl time.Duration) error {
	if pkg == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	stored := *pkg
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	if err := s.cache.SetJSON(ctx, contextKey(userID, conversationID), &stored, ttl); err != nil {
		s.rec.Event("context.persist_failed",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return types.NewError(types.ErrContextPersistence, "failed to persist turn context").WithCause(err)
	}
	return nil
}

// Get 读取一个会话最近一次写入的上下文包。键缺失（从未写入或已过期）
// 返回 (nil, nil)，这是常态而非错误。
func (s *ContextStore) Get(ctx context.Context, userID, conversationID string) (*types.TurnContextPackage, error) {
	var pkg types.TurnContextPackage
	err := s.cache.GetJSON(ctx, contextKey(userID, conversationID), &pkg)
	if err != nil {
		if cache.IsCacheMiss(err) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrContextPersistence, "failed to load turn context").WithCause(err)
	}
	return &pkg, nil
}
