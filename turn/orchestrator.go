package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/ctxkeys"
	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/retry"
	"github.com/BaSui01/turnflow/memory"
	"github.com/BaSui01/turnflow/repair"
	"github.com/BaSui01/turnflow/types"
)

const instrumentationName = "github.com/BaSui01/turnflow/turn"

// ===== 🧭 依赖与配置 =====

// ParameterSource 提供每用户检索参数。实现必须自行降级，
// 永远返回一套可用参数，不得让取参失败阻断回合。
type ParameterSource interface {
	Load(ctx context.Context, userID string) types.RetrievalParameters
}

// ContextSink 持久化回合连续性包。
type ContextSink interface {
	Put(ctx context.Context, userID, conversationID string, pkg *types.TurnContextPackage, ttl time.Duration) error
}

// Deps 汇集编排器的全部协作方。除 Generator 外都可为空：
// 缺哪个就降级哪条支路，回合本身照常完成。
type Deps struct {
	Generator   llm.Generator      // 必填
	Retriever   memory.Retriever   // 为空时记忆检索降级为空结果
	Params      ParameterSource    // 为空时使用默认检索参数
	Contexts    ContextSink        // 为空时跳过连续性持久化
	Notifier    memory.Notifier    // 为空时跳过记忆摄取
	Recorder    obs.Recorder       // 为空时退化为日志记录器
	Logger      *zap.Logger        // 为空时静默
	RetryPolicy *retry.RetryPolicy // 为空时使用默认退避策略
}

// Config 控制生成与提示词装配。零值字段取 DefaultConfig 的对应值。
type Config struct {
	// Model 为空时使用生成端配置的默认模型。
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// MaxOutputTokens 限制单次生成的输出长度。
	MaxOutputTokens int `yaml:"max_output_tokens" json:"max_output_tokens"`

	// HistoryBudget 与 MemoryBudget 分别限制注入历史窗口
	// 和记忆块的 token 总量。
	HistoryBudget int `yaml:"history_budget" json:"history_budget"`
	MemoryBudget  int `yaml:"memory_budget" json:"memory_budget"`

	// ContextTTL 是连续性包在上下文存储里的保鲜期。
	ContextTTL time.Duration `yaml:"context_ttl" json:"context_ttl"`

	// Persona 覆盖默认系统人格。
	Persona string `yaml:"persona" json:"persona"`
}

// DefaultConfig 返回默认编排配置。
func DefaultConfig() Config {
	return Config{
		Temperature:     0.7,
		MaxOutputTokens: 1024,
		HistoryBudget:   4000,
		MemoryBudget:    1500,
		ContextTTL:      memory.DefaultContextTTL,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Temperature == 0 {
		c.Temperature = def.Temperature
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = def.MaxOutputTokens
	}
	if c.HistoryBudget <= 0 {
		c.HistoryBudget = def.HistoryBudget
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = def.MemoryBudget
	}
	if c.ContextTTL <= 0 {
		c.ContextTTL = def.ContextTTL
	}
}

// State 标识回合状态机中的一个节点，用于追踪与日志。
type State string

const (
	StateInit            State = "init"
	StateFirstSynthesis  State = "first_synthesis"
	StateRespondDirectly State = "respond_directly"
	StateRetrieving      State = "retrieving"
	StateSecondSynthesis State = "second_synthesis"
	StateSearchPhase     State = "search_phase"
	StateRefinePhase     State = "refine_phase"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// ===== 📡 事件下沉 =====

// eventSink 是同步与流式两种外表面的共同出口。emit 返回 false
// 表示调用方已放弃接收（上下文取消），生产侧应尽快收尾。
type eventSink interface {
	emitSource(src types.GroundingSource) bool
	emitChunk(delta string) bool
}

// nopSink 服务于同步 RunTurn：事件直接丢弃，只留最终结果。
type nopSink struct{}

func (nopSink) emitSource(types.GroundingSource) bool { return true }
func (nopSink) emitChunk(string) bool                 { return true }

// chanSink 服务于 StreamTurn：把事件推入有序通道。
type chanSink struct {
	ctx context.Context
	ch  chan<- types.TurnEvent
}

func (s *chanSink) emitSource(src types.GroundingSource) bool {
	select {
	case s.ch <- types.NewSourceEvent(src):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *chanSink) emitChunk(delta string) bool {
	select {
	case s.ch <- types.NewChunkEvent(delta):
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ===== 🎛 编排器 =====

// Orchestrator 驱动单条消息的完整回合。所有协作方经构造注入，
// 实例无共享可变状态，可被任意多个回合并发使用。
type Orchestrator struct {
	gen       llm.Generator
	retriever memory.Retriever
	params    ParameterSource
	contexts  ContextSink
	notifier  memory.Notifier
	repair    *repair.Pipeline
	asm       *assembler
	retryer   retry.Retryer
	rec       obs.Recorder
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
}

// New 创建编排器。Generator 缺失时报错，其余依赖按 Deps 注释降级。
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Generator == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "turn orchestrator requires a generator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := deps.Recorder
	if rec == nil {
		rec = obs.NewZapRecorder(logger)
	}
	cfg.applyDefaults()

	return &Orchestrator{
		gen:       deps.Generator,
		retriever: deps.Retriever,
		params:    deps.Params,
		contexts:  deps.Contexts,
		notifier:  deps.Notifier,
		repair:    repair.NewPipeline(rec),
		asm:       newAssembler(cfg),
		retryer:   retry.NewBackoffRetryer(deps.RetryPolicy, logger),
		rec:       rec,
		logger:    logger.With(zap.String("component", "turn_orchestrator")),
		cfg:       cfg,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// RunTurn 同步执行一个回合。任何内部失败都被降级吸收：
// 最坏情况返回携带道歉文案的 Failed 结果，永不返回错误。
func (o *Orchestrator) RunTurn(ctx context.Context, req *types.TurnRequest) *types.TurnResult {
	return o.runTurn(ctx, req, nopSink{})
}

// StreamTurn 以有序事件流执行一个回合。事件文法：
// 零或多个 Source，然后零或多个 Chunk，最后恰好一个 Final。
// 通道在 Final 之后关闭；调用方取消上下文即可提前放弃。
func (o *Orchestrator) StreamTurn(ctx context.Context, req *types.TurnRequest) <-chan types.TurnEvent {
	ch := make(chan types.TurnEvent, 8)
	go func() {
		defer close(ch)
		res := o.runTurn(ctx, req, &chanSink{ctx: ctx, ch: ch})
		select {
		case ch <- types.NewFinalEvent(res):
		case <-ctx.Done():
		}
	}()
	return ch
}

// runTurn 是两种外表面共用的回合控制器。
func (o *Orchestrator) runTurn(ctx context.Context, req *types.TurnRequest, sink eventSink) (res *types.TurnResult) {
	started := time.Now()

	// 本地副本：回合标识就地补齐，不回写调用方的请求。
	r := *req
	if r.TurnID == "" {
		r.TurnID = uuid.NewString()
	}
	req = &r

	// 外边界契约：回合内部的任何 panic 都不穿透到调用方。
	defer func() {
		if rec := recover(); rec != nil {
			o.rec.Event("turn.panic_recovered",
				zap.String("turn_id", req.TurnID),
				zap.Any("panic", rec))
			res = failedResult("internal panic recovered")
			res.TurnID = req.TurnID
			res.Metadata.Elapsed = time.Since(started)
			sink.emitChunk(res.Text)
		}
	}()

	logger := o.logger.With(
		zap.String("turn_id", req.TurnID),
		zap.String("user_id", req.UserID),
		zap.String("conversation_id", req.ConversationID),
	)
	if id, ok := ctxkeys.TraceID(ctx); ok {
		logger = logger.With(zap.String("trace_id", id))
	}

	ctx, span := o.tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("turn.id", req.TurnID),
		attribute.Bool("turn.grounded", req.Grounding),
	))
	defer span.End()

	if req.Grounding {
		res = o.runGrounded(ctx, req, sink, logger)
	} else {
		res = o.runSynthesis(ctx, req, logger)
		// 非接地回合不逐 token 流式：结构化输出要先过修复管线才
		// 有用户可见文本。流式表面把恢复后的文本整段作为一个
		// chunk 重放，文法不变。
		if res.Text != "" {
			sink.emitChunk(res.Text)
		}
	}

	res.TurnID = req.TurnID
	res.Metadata.Elapsed = time.Since(started)
	span.SetAttributes(
		attribute.String("turn.decision", string(res.Metadata.Decision)),
		attribute.Bool("turn.failed", res.Metadata.Failed),
	)

	o.maybeNotify(ctx, req, res, logger)

	logger.Info("turn completed",
		zap.String("decision", string(res.Metadata.Decision)),
		zap.Bool("failed", res.Metadata.Failed),
		zap.Duration("elapsed", res.Metadata.Elapsed))
	return res
}

// ===== 🔀 合成路径 =====

// runSynthesis 执行非接地回合：首轮合成定决策，必要时检索后二次合成。
func (o *Orchestrator) runSynthesis(ctx context.Context, req *types.TurnRequest, logger *zap.Logger) *types.TurnResult {
	plan, note, ok := o.firstSynthesis(ctx, req)
	if !ok {
		return failedResult(note)
	}

	// 连续性包先落地再做任何后续动作：即使检索或二次合成失败，
	// 模型给出的连续性意图也要存活到下一回合。
	o.writeContext(ctx, req, plan.ContextPackage, logger)

	if plan.Decision == types.DecisionQueryMemory {
		return o.runRetrievalPath(ctx, req, plan, note, logger)
	}
	// 未知决策已在修复管线归一为 respond_directly。
	return directResult(plan, note)
}

// firstSynthesis 发起首轮生成并修复其结构化输出。
func (o *Orchestrator) firstSynthesis(ctx context.Context, req *types.TurnRequest) (*types.PlannedResponse, string, bool) {
	ctx, span := o.tracer.Start(ctx, "turn.first_synthesis")
	defer span.End()

	gen, err := o.generate(ctx, o.asm.firstSynthesis(req))
	if err != nil {
		o.rec.Event("turn.generation_exhausted",
			zap.String("turn_id", req.TurnID),
			zap.String("phase", string(StateFirstSynthesis)),
			zap.Error(err))
		return nil, "generation exhausted", false
	}

	out := o.repair.Repair(gen.Text, false)
	if !out.OK() {
		o.rec.Event("turn.repair_failed",
			zap.String("turn_id", req.TurnID),
			zap.String("note", out.Note))
		return nil, out.Note, false
	}
	span.SetAttributes(attribute.String("turn.decision", string(out.Plan.Decision)))
	return out.Plan, out.Note, true
}

// runRetrievalPath 执行 query_memory 支路：检索记忆后二次合成。
func (o *Orchestrator) runRetrievalPath(ctx context.Context, req *types.TurnRequest, plan *types.PlannedResponse, firstNote string, logger *zap.Logger) *types.TurnResult {
	phrases := plan.KeyPhrases
	if len(phrases) == 0 {
		// 模型没给检索短语时退回整条用户消息。
		phrases = []string{req.Text}
	}

	mem := o.retrieve(ctx, phrases, req.UserID)

	plan2, note2, ok := o.secondSynthesis(ctx, req, mem)
	if !ok {
		return failedResult(joinNotes(firstNote, note2))
	}
	if plan2.Decision == types.DecisionQueryMemory {
		// 记忆已经取回，二次合成不允许再要。不循环，直接兜底。
		o.rec.Event("turn.double_query", zap.String("turn_id", req.TurnID))
		return failedResult(joinNotes(firstNote, "second synthesis asked for memory again"))
	}

	o.writeContext(ctx, req, plan2.ContextPackage, logger)

	res := directResult(plan2, joinNotes(firstNote, note2))
	res.Metadata.Decision = types.DecisionQueryMemory
	res.Metadata.KeyPhrases = phrases
	return res
}

// secondSynthesis 带着取回的记忆块再次生成。
func (o *Orchestrator) secondSynthesis(ctx context.Context, req *types.TurnRequest, mem *types.AugmentedMemoryContext) (*types.PlannedResponse, string, bool) {
	ctx, span := o.tracer.Start(ctx, "turn.second_synthesis", trace.WithAttributes(
		attribute.Int("retrieval.size", mem.Size())))
	defer span.End()

	gen, err := o.generate(ctx, o.asm.secondSynthesis(req, mem))
	if err != nil {
		o.rec.Event("turn.generation_exhausted",
			zap.String("turn_id", req.TurnID),
			zap.String("phase", string(StateSecondSynthesis)),
			zap.Error(err))
		return nil, "generation exhausted", false
	}

	out := o.repair.Repair(gen.Text, false)
	if !out.OK() {
		o.rec.Event("turn.repair_failed",
			zap.String("turn_id", req.TurnID),
			zap.String("note", out.Note))
		return nil, out.Note, false
	}
	return out.Plan, out.Note, true
}

// retrieve 执行记忆检索。检索的一切失败都吸收为空上下文：
// 二次合成必须照常发生。
func (o *Orchestrator) retrieve(ctx context.Context, phrases []string, userID string) *types.AugmentedMemoryContext {
	ctx, span := o.tracer.Start(ctx, "turn.retrieval", trace.WithAttributes(
		attribute.Int("retrieval.phrase_count", len(phrases))))
	defer span.End()

	if o.retriever == nil {
		o.rec.Event("retrieval.unavailable", zap.String("user_id", userID))
		return &types.AugmentedMemoryContext{}
	}

	mem, err := o.retriever.Retrieve(ctx, phrases, userID, o.loadParams(ctx, userID))
	if err != nil {
		o.rec.Event("retrieval.failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return &types.AugmentedMemoryContext{}
	}
	if mem == nil {
		mem = &types.AugmentedMemoryContext{}
	}
	span.SetAttributes(attribute.Int("retrieval.size", mem.Size()))
	return mem
}

func (o *Orchestrator) loadParams(ctx context.Context, userID string) types.RetrievalParameters {
	if o.params == nil {
		return types.DefaultRetrievalParameters()
	}
	return o.params.Load(ctx, userID)
}

// ===== 🧱 公共辅助 =====

// generate 以退避重试包裹一次生成调用。
func (o *Orchestrator) generate(ctx context.Context, genReq *llm.GenerationRequest) (*llm.GenerationResult, error) {
	stampTrace(ctx, genReq)
	v, err := o.retryer.DoWithResult(ctx, func() (any, error) {
		return o.gen.Generate(ctx, genReq)
	})
	if err != nil {
		return nil, err
	}
	return v.(*llm.GenerationResult), nil
}

// stampTrace 把入站请求链路 ID 透传到出站生成请求上。
func stampTrace(ctx context.Context, genReq *llm.GenerationRequest) {
	if genReq.TraceID != "" {
		return
	}
	if id, ok := ctxkeys.TraceID(ctx); ok {
		genReq.TraceID = id
	}
}

// writeContext 把连续性包写入存储。写失败只记日志，不改变回合结果。
func (o *Orchestrator) writeContext(ctx context.Context, req *types.TurnRequest, pkg *types.TurnContextPackage, logger *zap.Logger) {
	if o.contexts == nil || pkg == nil {
		return
	}
	if err := o.contexts.Put(ctx, req.UserID, req.ConversationID, pkg, o.cfg.ContextTTL); err != nil {
		logger.Warn("turn context write failed", zap.Error(err))
	}
}

// maybeNotify 对过闸的回合发摄取通知。建议性动作，失败只记日志。
func (o *Orchestrator) maybeNotify(ctx context.Context, req *types.TurnRequest, res *types.TurnResult, logger *zap.Logger) {
	if o.notifier == nil || res.Metadata.Failed {
		return
	}
	ok, matched := worthy(req.Text, res.Text)
	if !ok {
		return
	}
	record := memory.IngestRecord{
		TurnID:          req.TurnID,
		UserID:          req.UserID,
		ConversationID:  req.ConversationID,
		UserText:        req.Text,
		ResponseText:    res.Text,
		Decision:        string(res.Metadata.Decision),
		MatchedKeywords: matched,
	}
	if err := o.notifier.Notify(ctx, record); err != nil {
		logger.Warn("memory ingest notify failed", zap.Error(err))
	}
}

// directResult 把修复后的计划包装为回合结果。
func directResult(plan *types.PlannedResponse, note string) *types.TurnResult {
	actions := plan.Actions
	if actions == nil {
		actions = []types.UIAction{}
	}
	return &types.TurnResult{
		Text:    plan.DirectResponse,
		Actions: actions,
		Metadata: types.TurnMetadata{
			Decision:   types.DecisionRespondDirectly,
			RepairNote: note,
		},
	}
}

// failedResult 构造总失败兜底：道歉文案、respond_directly、空动作表。
func failedResult(note string) *types.TurnResult {
	return &types.TurnResult{
		Text:    repair.ApologyText,
		Actions: []types.UIAction{},
		Metadata: types.TurnMetadata{
			Decision:   types.DecisionRespondDirectly,
			RepairNote: note,
			Failed:     true,
		},
	}
}

func joinNotes(notes ...string) string {
	kept := make([]string, 0, len(notes))
	for _, n := range notes {
		if n != "" {
			kept = append(kept, n)
		}
	}
	return strings.Join(kept, "; ")
}
