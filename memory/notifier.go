package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/cache"
	"github.com/BaSui01/turnflow/internal/obs"
)

// DefaultIngestQueue 是记忆摄取队列的默认列表键。
const DefaultIngestQueue = "memory_ingest_queue"

// IngestRecord 是推给离线记忆形成端的摄取信封。记忆的抽取、嵌入与
// 写库都发生在队列另一端，这里只负责把素材送到。
type IngestRecord struct {
	TurnID          string    `json:"turn_id"`
	UserID          string    `json:"user_id"`
	ConversationID  string    `json:"conversation_id"`
	UserText        string    `json:"user_text"`
	ResponseText    string    `json:"response_text"`
	Decision        string    `json:"decision,omitempty"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier 把通过记忆价值门槛的回合送入摄取通道。
type Notifier interface {
	Notify(ctx context.Context, record IngestRecord) error
}

// IngestNotifier 基于 Redis 列表实现 Notifier。
//
// 入列失败经观测端口上报后以类型化错误返回；编排器按火忘式调用，
// 丢一条摄取通知不影响回合结果。
type IngestNotifier struct {
	cache  *cache.Manager
	queue  string
	rec    obs.Recorder
	logger *zap.Logger
}

// NewIngestNotifier 创建摄取通知器。queue 为空时使用 DefaultIngestQueue。
func NewIngestNotifier(cacheMgr *cache.Manager, queue string, rec obs.Recorder, logger *zap.Logger) *IngestNotifier {
	if queue == "" {
		queue = DefaultIngestQueue
	}
	if rec == nil {
		rec = obs.NewZapRecorder(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestNotifier{
		cache:  cacheMgr,
		queue:  queue,
		rec:    rec,
		logger: logger.With(zap.String("component", "ingest_notifier")),
	}
}

// Notify 将摄取信封推入队列头部。
func (n *IngestNotifier) Notify(ctx context.Context, record IngestRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal ingest record: %w", err)
	}
	if err := n.cache.LPush(ctx, n.queue, string(payload)); err != nil {
		n.rec.Event("ingest.enqueue_failed",
			zap.String("turn_id", record.TurnID),
			zap.String("user_id", record.UserID),
			zap.Error(err))
		return fmt.Errorf("enqueue ingest record: %w", err)
	}
	return nil
}

// QueueDepth 返回摄取队列当前积压条数，供健康检查与指标采集使用。
func (n *IngestNotifier) QueueDepth(ctx context.Context) (int64, error) {
	return n.cache.LLen(ctx, n.queue)
}
