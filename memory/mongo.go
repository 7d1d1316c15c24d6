package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/types"
)

// ===== ⚙️ 配置 =====

// defaultRecencyHalflife 是时近分量的默认半衰期：一周前的记忆
// 时近得分为 0.5。
const defaultRecencyHalflife = 7 * 24 * time.Hour

// unitOverfetch 控制向量腿的超采样倍数。向量相似只是组合得分的
// α 分量，超采样后按组合得分重排才能让 β/γ 分量起作用。
const unitOverfetch = 2

// MongoConfig 定义 MongoDB 检索后端的连接与集合参数。
type MongoConfig struct {
	URI                 string        `yaml:"uri" json:"uri"`
	Database            string        `yaml:"database" json:"database"`
	UnitsCollection     string        `yaml:"units_collection" json:"units_collection"`
	ConceptsCollection  string        `yaml:"concepts_collection" json:"concepts_collection"`
	ArtifactsCollection string        `yaml:"artifacts_collection" json:"artifacts_collection"`
	VectorIndex         string        `yaml:"vector_index" json:"vector_index"`
	MaxPoolSize         uint64        `yaml:"max_pool_size" json:"max_pool_size"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	RecencyHalflife     time.Duration `yaml:"recency_halflife" json:"recency_halflife"`
}

// DefaultMongoConfig 返回默认配置。
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:                 "mongodb://localhost:27017",
		Database:            "turnflow",
		UnitsCollection:     "memory_units",
		ConceptsCollection:  "concepts",
		ArtifactsCollection: "artifacts",
		VectorIndex:         "memory_units_vector",
		MaxPoolSize:         16,
		ConnectTimeout:      10 * time.Second,
		RecencyHalflife:     defaultRecencyHalflife,
	}
}

func (c *MongoConfig) applyDefaults() {
	def := DefaultMongoConfig()
	if c.URI == "" {
		c.URI = def.URI
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.UnitsCollection == "" {
		c.UnitsCollection = def.UnitsCollection
	}
	if c.ConceptsCollection == "" {
		c.ConceptsCollection = def.ConceptsCollection
	}
	if c.ArtifactsCollection == "" {
		c.ArtifactsCollection = def.ArtifactsCollection
	}
	if c.VectorIndex == "" {
		c.VectorIndex = def.VectorIndex
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = def.MaxPoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RecencyHalflife <= 0 {
		c.RecencyHalflife = def.RecencyHalflife
	}
}

// ===== 🧠 混合检索器 =====

// MongoRetriever 基于 MongoDB 实现三腿混合检索：
//
//   - 记忆单元：$vectorSearch 召回 + α·语义 + β·时近 + γ·重要性 重排
//   - 概念图：  $graphLookup 有界跳数扩展，得分 1/(1+hop)
//   - 用户文档：$text 全文检索，textScore 按批内最大值归一
//
// 三条腿并行执行且各自吞错：单腿失败上报事件后丢弃该腿，
// 调用方拿到其余腿的部分结果。
type MongoRetriever struct {
	client   *mongo.Client
	db       *mongo.Database
	embedder Embedder
	cfg      MongoConfig
	rec      obs.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewMongoRetriever 建立连接并验证可达性。embedder 为必填：没有
// 查询向量时向量腿整体缺席，检索质量退化到纯文本。
func NewMongoRetriever(cfg MongoConfig, embedder Embedder, rec obs.Recorder, logger *zap.Logger) (*MongoRetriever, error) {
	cfg.applyDefaults()
	if embedder == nil {
		return nil, fmt.Errorf("mongo retriever requires an embedder")
	}
	if rec == nil {
		rec = obs.NewZapRecorder(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	logger = logger.With(zap.String("component", "mongo_retriever"))
	logger.Info("MongoDB 检索后端已连接",
		zap.String("database", cfg.Database),
		zap.String("vector_index", cfg.VectorIndex))

	return &MongoRetriever{
		client:   client,
		db:       client.Database(cfg.Database),
		embedder: embedder,
		cfg:      cfg,
		rec:      rec,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Retrieve 实现 Retriever。params 在入口处再校验一次：编排器传入
// 非法集合时替换默认集，保证得分始终落在 [0,1]。
func (r *MongoRetriever) Retrieve(ctx context.Context, keyPhrases []string, userID string, params types.RetrievalParameters) (*types.AugmentedMemoryContext, error) {
	start := r.now()
	query := strings.TrimSpace(strings.Join(keyPhrases, " "))
	if query == "" || userID == "" {
		return &types.AugmentedMemoryContext{}, nil
	}

	if err := params.Validate(); err != nil {
		r.rec.Event("params.invalid",
			zap.String("user_id", userID),
			zap.Error(err))
		params = types.DefaultRetrievalParameters()
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout())
	defer cancel()

	// 嵌入失败只丢向量腿，其余两腿照常
	var queryVector []float32
	if vec, err := r.embedder.Embed(ctx, query); err != nil {
		r.rec.Event("retrieval.embed_failed",
			zap.String("user_id", userID),
			zap.Error(err))
	} else {
		queryVector = vec
	}

	var (
		units     []types.MemoryUnit
		concepts  []types.Concept
		artifacts []types.Artifact
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if len(queryVector) == 0 {
			return nil
		}
		res, err := r.searchUnits(gctx, queryVector, userID, params)
		if err != nil {
			r.rec.Event("retrieval.units_failed",
				zap.String("user_id", userID),
				zap.Error(err))
			return nil // 单腿失败只降级，不终止其余腿
		}
		units = res
		return nil
	})
	g.Go(func() error {
		if params.MaxHops <= 0 || params.MaxConcepts <= 0 {
			return nil
		}
		res, err := r.expandConcepts(gctx, keyPhrases, userID, params)
		if err != nil {
			r.rec.Event("retrieval.concepts_failed",
				zap.String("user_id", userID),
				zap.Error(err))
			return nil
		}
		concepts = res
		return nil
	})
	g.Go(func() error {
		if params.MaxArtifacts <= 0 {
			return nil
		}
		res, err := r.searchArtifacts(gctx, query, userID, params)
		if err != nil {
			r.rec.Event("retrieval.artifacts_failed",
				zap.String("user_id", userID),
				zap.Error(err))
			return nil
		}
		artifacts = res
		return nil
	})
	_ = g.Wait()

	result := &types.AugmentedMemoryContext{
		Units:     units,
		Concepts:  concepts,
		Artifacts: artifacts,
		Elapsed:   time.Since(start),
	}

	if result.Empty() {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrRetrievalTimeout,
				fmt.Sprintf("retrieval deadline (%s) exceeded with nothing recovered", params.Timeout())).
				WithCause(ctx.Err())
		}
		// 空结果是警告不是错误：第二次合成按显式空上下文继续
		r.rec.Event("retrieval.empty",
			zap.String("user_id", userID),
			zap.Strings("key_phrases", keyPhrases))
	}
	return result, nil
}

// Ping 验证后端可达性。
func (r *MongoRetriever) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

// Close 断开连接。
func (r *MongoRetriever) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// ===== 📦 记忆单元腿（$vectorSearch）=====

type unitDoc struct {
	ID         bson.ObjectID `bson:"_id"`
	Content    string        `bson:"content"`
	Kind       string        `bson:"kind"`
	Importance float64       `bson:"importance"`
	CreatedAt  time.Time     `bson:"created_at"`
	Score      float64       `bson:"score"`
}

func (r *MongoRetriever) searchUnits(ctx context.Context, queryVector []float32, userID string, params types.RetrievalParameters) ([]types.MemoryUnit, error) {
	limit := params.MaxUnits * unitOverfetch
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: r.cfg.VectorIndex},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: queryVector},
			{Key: "numCandidates", Value: limit * 5},
			{Key: "limit", Value: limit},
			{Key: "filter", Value: bson.D{{Key: "user_id", Value: userID}}},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "content", Value: 1},
			{Key: "kind", Value: 1},
			{Key: "importance", Value: 1},
			{Key: "created_at", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}

	cursor, err := r.db.Collection(r.cfg.UnitsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	var docs []unitDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode memory units: %w", err)
	}
	return rankUnits(docs, r.now(), r.cfg.RecencyHalflife, params), nil
}

// rankUnits 按组合得分重排超采样结果并截到 MaxUnits。
func rankUnits(docs []unitDoc, now time.Time, halflife time.Duration, params types.RetrievalParameters) []types.MemoryUnit {
	units := make([]types.MemoryUnit, 0, len(docs))
	for _, d := range docs {
		units = append(units, types.MemoryUnit{
			ID:      d.ID.Hex(),
			Content: d.Content,
			Kind:    d.Kind,
			Score: combinedScore(
				d.Score,
				recencyScore(now.Sub(d.CreatedAt), halflife),
				d.Importance,
				params),
			CreatedAt: d.CreatedAt,
		})
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Score != units[j].Score {
			return units[i].Score > units[j].Score
		}
		return units[i].CreatedAt.After(units[j].CreatedAt)
	})
	if len(units) > params.MaxUnits {
		units = units[:params.MaxUnits]
	}
	return units
}

// combinedScore 计算 α·语义 + β·时近 + γ·重要性。三个分量先各自
// 钳到 [0,1]，权重和受不变式约束 ≈ 1，组合得分因此也落在 [0,1]。
func combinedScore(semantic, recency, importance float64, params types.RetrievalParameters) float64 {
	return params.SemanticWeight*clamp01(semantic) +
		params.RecencyWeight*clamp01(recency) +
		params.ImportanceWeight*clamp01(importance)
}

// recencyScore 以半衰期指数衰减把年龄映射到 (0,1]：age == halflife
// 时恰为 0.5。
func recencyScore(age, halflife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halflife <= 0 {
		halflife = defaultRecencyHalflife
	}
	return math.Exp2(-float64(age) / float64(halflife))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ===== 🕸️ 概念腿（$graphLookup）=====

type conceptDoc struct {
	ID       bson.ObjectID     `bson:"_id"`
	Name     string            `bson:"name"`
	Expanded []expandedConcept `bson:"expanded"`
}

type expandedConcept struct {
	ID    bson.ObjectID `bson:"_id"`
	Name  string        `bson:"name"`
	Depth int           `bson:"depth"`
}

func (r *MongoRetriever) expandConcepts(ctx context.Context, keyPhrases []string, userID string, params types.RetrievalParameters) ([]types.Concept, error) {
	seeds := normalizePhrases(keyPhrases)
	if len(seeds) == 0 {
		return nil, nil
	}

	// $graphLookup 的 maxDepth 从第一跳起按 0 计：MaxHops 跳对应
	// maxDepth = MaxHops-1
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "user_id", Value: userID},
			{Key: "normalized_name", Value: bson.D{{Key: "$in", Value: seeds}}},
		}}},
		bson.D{{Key: "$graphLookup", Value: bson.D{
			{Key: "from", Value: r.cfg.ConceptsCollection},
			{Key: "startWith", Value: "$related"},
			{Key: "connectFromField", Value: "related"},
			{Key: "connectToField", Value: "normalized_name"},
			{Key: "maxDepth", Value: params.MaxHops - 1},
			{Key: "depthField", Value: "depth"},
			{Key: "as", Value: "expanded"},
			{Key: "restrictSearchWithMatch", Value: bson.D{{Key: "user_id", Value: userID}}},
		}}},
		bson.D{{Key: "$project", Value: bson.D{
			{Key: "name", Value: 1},
			{Key: "expanded._id", Value: 1},
			{Key: "expanded.name", Value: 1},
			{Key: "expanded.depth", Value: 1},
		}}},
	}

	cursor, err := r.db.Collection(r.cfg.ConceptsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("concept graph lookup: %w", err)
	}
	var docs []conceptDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode concepts: %w", err)
	}
	return flattenConcepts(docs, params.MaxConcepts), nil
}

// flattenConcepts 把种子与扩展打平成去重列表。同一概念取最小跳数，
// 得分 1/(1+hop)：种子 1.0，一跳 0.5，两跳 1/3。
func flattenConcepts(docs []conceptDoc, maxConcepts int) []types.Concept {
	best := make(map[string]types.Concept)
	for _, d := range docs {
		seedID := d.ID.Hex()
		if prev, ok := best[seedID]; !ok || prev.Depth > 0 {
			best[seedID] = types.Concept{
				ID:       seedID,
				Name:     d.Name,
				Relation: "matched",
				Score:    1,
				Depth:    0,
			}
		}
		for _, e := range d.Expanded {
			hop := e.Depth + 1
			id := e.ID.Hex()
			if prev, ok := best[id]; ok && prev.Depth <= hop {
				continue
			}
			best[id] = types.Concept{
				ID:       id,
				Name:     e.Name,
				Relation: "related",
				Score:    1 / float64(1+hop),
				Depth:    hop,
			}
		}
	}

	out := make([]types.Concept, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxConcepts {
		out = out[:maxConcepts]
	}
	return out
}

// normalizePhrases 小写并剔除空白短语，与摄取端的概念名归一约定一致。
func normalizePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ===== 📄 文档腿（$text）=====

type artifactDoc struct {
	ID      bson.ObjectID `bson:"_id"`
	Title   string        `bson:"title"`
	Kind    string        `bson:"kind"`
	Content string        `bson:"content"`
	Score   float64       `bson:"score"`
}

func (r *MongoRetriever) searchArtifacts(ctx context.Context, query, userID string, params types.RetrievalParameters) ([]types.Artifact, error) {
	filter := bson.D{
		{Key: "user_id", Value: userID},
		{Key: "$text", Value: bson.D{{Key: "$search", Value: query}}},
	}
	opts := options.Find().
		SetProjection(bson.D{
			{Key: "title", Value: 1},
			{Key: "kind", Value: 1},
			{Key: "content", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}},
		}).
		SetSort(bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "textScore"}}}}).
		SetLimit(int64(params.MaxArtifacts))

	cursor, err := r.db.Collection(r.cfg.ArtifactsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("artifact text search: %w", err)
	}
	var docs []artifactDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return normalizeArtifacts(docs), nil
}

// normalizeArtifacts 把无界的 textScore 按批内最大值压到 [0,1]，
// 批首结果得分恒为 1.0。
func normalizeArtifacts(docs []artifactDoc) []types.Artifact {
	if len(docs) == 0 {
		return nil
	}
	max := 0.0
	for _, d := range docs {
		if d.Score > max {
			max = d.Score
		}
	}
	out := make([]types.Artifact, 0, len(docs))
	for _, d := range docs {
		score := 0.0
		if max > 0 {
			score = d.Score / max
		}
		out = append(out, types.Artifact{
			ID:      d.ID.Hex(),
			Title:   d.Title,
			Kind:    d.Kind,
			Content: d.Content,
			Score:   score,
		})
	}
	return out
}
