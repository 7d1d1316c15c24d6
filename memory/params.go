package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/cache"
	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/types"
)

// ===== 📐 参数文档结构校验 =====

// parameterSchema 约束存储在 Redis 中的 hrt_parameters 文档形状。
// 结构校验先于解码：字段类型或取值范围不对的文档直接判废，
// 不会进入 Go 侧的权重校验。未列出的字段容忍（向前兼容）。
const parameterSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"semantic_weight":   {"type": "number", "minimum": 0, "maximum": 1},
		"recency_weight":    {"type": "number", "minimum": 0, "maximum": 1},
		"importance_weight": {"type": "number", "minimum": 0, "maximum": 1},
		"max_hops":          {"type": "integer", "minimum": 0, "maximum": 5},
		"max_units":         {"type": "integer", "minimum": 1, "maximum": 64},
		"max_concepts":      {"type": "integer", "minimum": 0, "maximum": 64},
		"max_artifacts":     {"type": "integer", "minimum": 0, "maximum": 64},
		"timeout_ms":        {"type": "integer", "minimum": 1, "maximum": 60000}
	}
}`

// compiledParameterSchema 在包初始化时编译；schema 是内置常量，
// 编译失败说明二进制本身损坏，属于仅有的致命启动错误。
var compiledParameterSchema = jsonschema.MustCompileString("hrt_parameters.json", parameterSchema)

// ===== 🎛️ 按用户检索参数存取 =====

// ParameterStore 按用户加载与保存检索参数。
//
// Load 永不把错误交给调用方：键缺失时静默使用默认集；Redis 不可用时
// 回退到进程内最近一次成功加载的参数（没有则默认集）；文档结构非法
// 或违反权重不变式时替换默认集。所有替换都经观测端口上报。
type ParameterStore struct {
	cache  *cache.Manager
	rec    obs.Recorder
	logger *zap.Logger

	mu       sync.RWMutex
	lastGood map[string]types.RetrievalParameters
}

// NewParameterStore 创建参数存取器。
func NewParameterStore(cacheMgr *cache.Manager, rec obs.Recorder, logger *zap.Logger) *ParameterStore {
	if rec == nil {
		rec = obs.NewZapRecorder(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParameterStore{
		cache:    cacheMgr,
		rec:      rec,
		logger:   logger.With(zap.String("component", "parameter_store")),
		lastGood: make(map[string]types.RetrievalParameters),
	}
}

// parameterKey 返回一位用户的参数键。
func parameterKey(userID string) string {
	return fmt.Sprintf("hrt_parameters:%s", userID)
}

// Load 返回一位用户的检索参数。任何加载失败都被替换为可用的参数集，
// 调用方拿到的集合总是通过了 Validate 的。
func (s *ParameterStore) Load(ctx context.Context, userID string) types.RetrievalParameters {
	raw, err := s.cache.Get(ctx, parameterKey(userID))
	if err != nil {
		if cache.IsCacheMiss(err) {
			// 未配置过参数是常态，不上报
			return types.DefaultRetrievalParameters()
		}
		fallback, hit := s.loadLastGood(userID)
		s.rec.Event("params.redis_unavailable",
			zap.String("user_id", userID),
			zap.Bool("last_good", hit),
			zap.Error(err))
		if hit {
			return fallback
		}
		return types.DefaultRetrievalParameters()
	}

	params, err := s.decode(raw)
	if err != nil {
		s.rec.Event("params.invalid",
			zap.String("user_id", userID),
			zap.Error(err))
		return types.DefaultRetrievalParameters()
	}

	s.storeLastGood(userID, params)
	return params
}

// Save 校验并持久化一位用户的检索参数。与 Load 不同，Save 面向管理面，
// 非法参数按类型化错误返回而不是被悄悄替换。
func (s *ParameterStore) Save(ctx context.Context, userID string, params types.RetrievalParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := s.cache.SetJSON(ctx, parameterKey(userID), params, 0); err != nil {
		return fmt.Errorf("persist retrieval parameters: %w", err)
	}
	s.storeLastGood(userID, params)
	return nil
}

// Reset 删除一位用户的参数文档，使后续 Load 回到默认集。
func (s *ParameterStore) Reset(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, parameterKey(userID)); err != nil {
		return fmt.Errorf("reset retrieval parameters: %w", err)
	}
	s.mu.Lock()
	delete(s.lastGood, userID)
	s.mu.Unlock()
	return nil
}

// decode 按 结构校验 → 解码覆盖默认值 → 语义校验 三步解出参数集。
// 部分文档是合法的：未出现的字段保留默认值，合并结果整体校验。
func (s *ParameterStore) decode(raw string) (types.RetrievalParameters, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return types.RetrievalParameters{}, fmt.Errorf("malformed parameter document: %w", err)
	}
	if err := compiledParameterSchema.Validate(doc); err != nil {
		return types.RetrievalParameters{}, fmt.Errorf("parameter document rejected by schema: %w", err)
	}

	params := types.DefaultRetrievalParameters()
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return types.RetrievalParameters{}, fmt.Errorf("decode parameter document: %w", err)
	}
	if err := params.Validate(); err != nil {
		return types.RetrievalParameters{}, err
	}
	return params, nil
}

func (s *ParameterStore) loadLastGood(userID string) (types.RetrievalParameters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lastGood[userID]
	return p, ok
}

func (s *ParameterStore) storeLastGood(userID string, params types.RetrievalParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood[userID] = params
}
