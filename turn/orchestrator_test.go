package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/ctxkeys"
	"github.com/BaSui01/turnflow/internal/obs"
	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/retry"
	"github.com/BaSui01/turnflow/memory"
	"github.com/BaSui01/turnflow/repair"
	"github.com/BaSui01/turnflow/types"
)

// ===== 🧪 测试替身 =====

type scriptedCall struct {
	text      string
	err       error
	grounding *llm.GroundingMetadata
}

// fakeGenerator 按脚本逐次返回生成结果，脚本耗尽后重复最后一条。
type fakeGenerator struct {
	mu       sync.Mutex
	script   []scriptedCall
	reqs     []*llm.GenerationRequest
	streamFn func(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error)
}

func (g *fakeGenerator) Generate(_ context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.reqs)
	g.reqs = append(g.reqs, req)
	if len(g.script) == 0 {
		return nil, types.NewError(types.ErrInternalError, "no scripted response")
	}
	call := g.script[len(g.script)-1]
	if i < len(g.script) {
		call = g.script[i]
	}
	if call.err != nil {
		return nil, call.err
	}
	return &llm.GenerationResult{Provider: "fake", Model: "fake-model", Text: call.text, Grounding: call.grounding}, nil
}

func (g *fakeGenerator) Stream(ctx context.Context, req *llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	fn := g.streamFn
	g.mu.Unlock()
	if fn == nil {
		return nil, types.NewError(types.ErrInternalError, "no scripted stream")
	}
	return fn(ctx, req)
}

func (g *fakeGenerator) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) request(i int) *llm.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i >= len(g.reqs) {
		return nil
	}
	return g.reqs[i]
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

type fakeRetriever struct {
	mu      sync.Mutex
	phrases []string
	userID  string
	params  types.RetrievalParameters
	result  *types.AugmentedMemoryContext
	err     error
	count   int
	onCall  func()
}

func (r *fakeRetriever) Retrieve(_ context.Context, keyPhrases []string, userID string, params types.RetrievalParameters) (*types.AugmentedMemoryContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.phrases = keyPhrases
	r.userID = userID
	r.params = params
	if r.onCall != nil {
		r.onCall()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type contextPut struct {
	userID, convID string
	pkg            *types.TurnContextPackage
	ttl            time.Duration
}

type fakeContexts struct {
	mu    sync.Mutex
	puts  []contextPut
	err   error
	onPut func()
}

func (c *fakeContexts) Put(_ context.Context, userID, conversationID string, pkg *types.TurnContextPackage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, contextPut{userID: userID, convID: conversationID, pkg: pkg, ttl: ttl})
	if c.onPut != nil {
		c.onPut()
	}
	return c.err
}

func (c *fakeContexts) all() []contextPut {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contextPut(nil), c.puts...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	records []memory.IngestRecord
	err     error
}

func (n *fakeNotifier) Notify(_ context.Context, record memory.IngestRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, record)
	return n.err
}

func (n *fakeNotifier) all() []memory.IngestRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]memory.IngestRecord(nil), n.records...)
}

type fixedParams struct {
	params types.RetrievalParameters
}

func (p fixedParams) Load(context.Context, string) types.RetrievalParameters {
	return p.params
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, mut func(*Deps)) (*Orchestrator, *obs.MemoryRecorder) {
	t.Helper()
	rec := obs.NewMemoryRecorder()
	deps := Deps{
		Generator:   gen,
		Recorder:    rec,
		Logger:      zap.NewNop(),
		RetryPolicy: &retry.RetryPolicy{MaxRetries: 0},
	}
	if mut != nil {
		mut(&deps)
	}
	o, err := New(DefaultConfig(), deps)
	require.NoError(t, err)
	return o, rec
}

func turnRequest(text string) *types.TurnRequest {
	return &types.TurnRequest{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Text:           text,
	}
}

// ===== 📋 脚本样例 =====

const directPayload = `{"decision":"respond_directly","direct_response_text":"Tea sounds lovely this afternoon.","actions":[],"turn_context":{"next_turn_focus":"tea preferences","tone":"warm"}}`

const queryPayload = `{"decision":"query_memory","key_phrases":["grandmother","tea ritual"],"turn_context":{"next_turn_focus":"grandmother memories"}}`

const recallReplyPayload = `{"decision":"respond_directly","direct_response_text":"You told me about your grandmother's jasmine tea ritual on Sunday mornings.","turn_context":{"next_turn_focus":"family rituals","tone":"tender"}}`

// ===== ✅ 直接应答路径 =====

func TestRunTurn_DirectPath(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: directPayload}}}
	contexts := &fakeContexts{}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Contexts = contexts })

	res := o.RunTurn(context.Background(), turnRequest("should we have tea?"))

	require.NotNil(t, res)
	assert.Equal(t, "Tea sounds lovely this afternoon.", res.Text)
	assert.Equal(t, types.DecisionRespondDirectly, res.Metadata.Decision)
	assert.False(t, res.Metadata.Failed)
	assert.NotNil(t, res.Actions)
	assert.NotEmpty(t, res.TurnID)
	assert.Greater(t, res.Metadata.Elapsed, time.Duration(0))

	require.Equal(t, 1, gen.calls())
	first := gen.request(0)
	assert.True(t, first.ForceJSON)
	assert.Contains(t, first.SystemPrompt, "respond_directly")
	assert.Contains(t, first.UserPrompt, "should we have tea?")

	puts := contexts.all()
	require.Len(t, puts, 1)
	assert.Equal(t, "user-1", puts[0].userID)
	assert.Equal(t, "conv-1", puts[0].convID)
	assert.Equal(t, "tea preferences", puts[0].pkg.NextTurnFocus)
	assert.Equal(t, memory.DefaultContextTTL, puts[0].ttl)
}

func TestRunTurn_DoesNotMutateCallerRequest(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: directPayload}}}
	o, _ := newTestOrchestrator(t, gen, nil)

	req := turnRequest("hello")
	res := o.RunTurn(context.Background(), req)

	assert.Empty(t, req.TurnID)
	assert.NotEmpty(t, res.TurnID)
}

// ===== 🔍 记忆检索路径 =====

func TestRunTurn_QueryMemoryPath(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{
		Units: []types.MemoryUnit{{ID: "m1", Content: "grandmother brewed jasmine tea every Sunday", Score: 0.92}},
	}}
	contexts := &fakeContexts{}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Retriever = retriever
		d.Contexts = contexts
	})

	res := o.RunTurn(context.Background(), turnRequest("what did I tell you about my grandmother?"))

	assert.Equal(t, "You told me about your grandmother's jasmine tea ritual on Sunday mornings.", res.Text)
	assert.Equal(t, types.DecisionQueryMemory, res.Metadata.Decision)
	assert.Equal(t, []string{"grandmother", "tea ritual"}, res.Metadata.KeyPhrases)
	assert.False(t, res.Metadata.Failed)

	assert.Equal(t, []string{"grandmother", "tea ritual"}, retriever.phrases)
	assert.Equal(t, "user-1", retriever.userID)
	assert.Equal(t, types.DefaultRetrievalParameters(), retriever.params)

	require.Equal(t, 2, gen.calls())
	second := gen.request(1)
	assert.True(t, second.ForceJSON)
	assert.Contains(t, second.UserPrompt, "[RECALLED MEMORY]")
	assert.Contains(t, second.UserPrompt, "grandmother brewed jasmine tea every Sunday")

	// 两次连续性写入：首轮计划的包先落地，二次合成的包随后覆盖。
	puts := contexts.all()
	require.Len(t, puts, 2)
	assert.Equal(t, "grandmother memories", puts[0].pkg.NextTurnFocus)
	assert.Equal(t, "family rituals", puts[1].pkg.NextTurnFocus)
}

func TestRunTurn_ContextWrittenBeforeRetrieval(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{
		result: &types.AugmentedMemoryContext{},
		onCall: func() { mu.Lock(); order = append(order, "retrieve"); mu.Unlock() },
	}
	contexts := &fakeContexts{
		onPut: func() { mu.Lock(); order = append(order, "context"); mu.Unlock() },
	}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Retriever = retriever
		d.Contexts = contexts
	})

	o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"context", "retrieve", "context"}, order)
}

func TestRunTurn_ContextWriteFailureDoesNotAlterOutcome(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	contexts := &fakeContexts{err: types.NewError(types.ErrContextPersistence, "redis down")}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Retriever = retriever
		d.Contexts = contexts
	})

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.False(t, res.Metadata.Failed)
	assert.Equal(t, "You told me about your grandmother's jasmine tea ritual on Sunday mornings.", res.Text)
	assert.Equal(t, 1, retriever.count)
}

func TestRunTurn_EmptyRetrievalProceedsWithExplicitEmptyBlock(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.False(t, res.Metadata.Failed)
	require.Equal(t, 2, gen.calls())
	assert.Contains(t, gen.request(1).UserPrompt, "(no relevant memories were found)")
}

func TestRunTurn_RetrieverErrorIsSwallowed(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{err: types.NewError(types.ErrRetrievalTimeout, "mongo slow")}
	o, rec := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.False(t, res.Metadata.Failed)
	assert.True(t, rec.Has("retrieval.failed"))
	require.Equal(t, 2, gen.calls())
	assert.Contains(t, gen.request(1).UserPrompt, "(no relevant memories were found)")
}

func TestRunTurn_MissingRetrieverDegradesToEmptyContext(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	o, rec := newTestOrchestrator(t, gen, nil)

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.False(t, res.Metadata.Failed)
	assert.True(t, rec.Has("retrieval.unavailable"))
	require.Equal(t, 2, gen.calls())
}

func TestRunTurn_EmptyKeyPhrasesFallBackToUserText(t *testing.T) {
	noPhrases := `{"decision":"query_memory","turn_context":{"next_turn_focus":"recall"}}`
	gen := &fakeGenerator{script: []scriptedCall{{text: noPhrases}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	res := o.RunTurn(context.Background(), turnRequest("remind me about the tea thing"))

	assert.False(t, res.Metadata.Failed)
	assert.Equal(t, []string{"remind me about the tea thing"}, retriever.phrases)
}

func TestRunTurn_UsesStoredParameters(t *testing.T) {
	custom := types.DefaultRetrievalParameters()
	custom.MaxUnits = 3
	custom.TimeoutMS = 500

	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Retriever = retriever
		d.Params = fixedParams{params: custom}
	})

	o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.Equal(t, custom, retriever.params)
}

// ===== 💥 失败与兜底 =====

func TestRunTurn_GenerationExhaustedYieldsApology(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{err: types.NewError(types.ErrUpstreamError, "boom")}}}
	contexts := &fakeContexts{}
	notifier := &fakeNotifier{}
	o, rec := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Contexts = contexts
		d.Notifier = notifier
	})

	res := o.RunTurn(context.Background(), turnRequest("hello"))

	require.NotNil(t, res)
	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, repair.ApologyText, res.Text)
	assert.Equal(t, types.DecisionRespondDirectly, res.Metadata.Decision)
	assert.Empty(t, res.Actions)
	assert.NotNil(t, res.Actions)
	assert.True(t, rec.Has("turn.generation_exhausted"))
	assert.Empty(t, contexts.all())
	assert.Empty(t, notifier.all())
}

// panickingGenerator 在首次生成时直接 panic，用于验证外边界兜底。
type panickingGenerator struct{ fakeGenerator }

func (g *panickingGenerator) Generate(context.Context, *llm.GenerationRequest) (*llm.GenerationResult, error) {
	panic("synthesis blew up")
}

func TestRunTurn_PanicYieldsApologyNotCrash(t *testing.T) {
	o, rec := newTestOrchestrator(t, &fakeGenerator{}, func(d *Deps) {
		d.Generator = &panickingGenerator{}
	})

	var res *types.TurnResult
	require.NotPanics(t, func() {
		res = o.RunTurn(context.Background(), turnRequest("hello"))
	})

	require.NotNil(t, res)
	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, repair.ApologyText, res.Text)
	assert.Equal(t, types.DecisionRespondDirectly, res.Metadata.Decision)
	assert.NotNil(t, res.Actions)
	assert.NotEmpty(t, res.TurnID)
	assert.True(t, rec.Has("turn.panic_recovered"))
}

func TestRunTurn_SecondSynthesisExhaustedKeepsFirstContext(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{
		{text: queryPayload},
		{err: types.NewError(types.ErrUpstreamError, "boom")},
	}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	contexts := &fakeContexts{}
	o, rec := newTestOrchestrator(t, gen, func(d *Deps) {
		d.Retriever = retriever
		d.Contexts = contexts
	})

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, repair.ApologyText, res.Text)
	assert.True(t, rec.Has("turn.generation_exhausted"))

	// 首轮连续性包在检索前已经落地，二次合成失败不应抹掉它。
	puts := contexts.all()
	require.Len(t, puts, 1)
	assert.Equal(t, "grandmother memories", puts[0].pkg.NextTurnFocus)
}

func TestRunTurn_StructuralRepairFailure(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{
		{text: `oh the {"decision": "query_memory" payload is hopelessly broken`},
	}}
	o, rec := newTestOrchestrator(t, gen, nil)

	res := o.RunTurn(context.Background(), turnRequest("hello"))

	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, repair.ApologyText, res.Text)
	assert.True(t, rec.Has("turn.repair_failed"))
}

func TestRunTurn_DoubleQueryMemoryIsRefused(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: queryPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, rec := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	res := o.RunTurn(context.Background(), turnRequest("what did I say before?"))

	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, repair.ApologyText, res.Text)
	assert.True(t, rec.Has("turn.double_query"))
	assert.Equal(t, 1, retriever.count)
}

func TestRunTurn_RetryRecoversTransientFailure(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{
		{err: types.NewError(types.ErrRateLimited, "slow down").WithRetryable(true)},
		{text: directPayload},
	}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.RetryPolicy = &retry.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	})

	res := o.RunTurn(context.Background(), turnRequest("hello"))

	assert.False(t, res.Metadata.Failed)
	assert.Equal(t, "Tea sounds lovely this afternoon.", res.Text)
	assert.Equal(t, 2, gen.calls())
}

func TestRunTurn_NonRetryableErrorFailsFast(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{
		{err: types.NewError(types.ErrContentFiltered, "blocked")},
	}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) {
		d.RetryPolicy = &retry.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}
	})

	res := o.RunTurn(context.Background(), turnRequest("hello"))

	assert.True(t, res.Metadata.Failed)
	assert.Equal(t, 1, gen.calls())
}

// ===== 📬 记忆摄取闸门 =====

func TestRunTurn_NotifiesWorthyTurn(t *testing.T) {
	reflective := `{"decision":"respond_directly","direct_response_text":"Finishing the marathon after two years of training is a real milestone, you should be proud.","turn_context":{"next_turn_focus":"marathon recovery"}}`
	gen := &fakeGenerator{script: []scriptedCall{{text: reflective}}}
	notifier := &fakeNotifier{}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Notifier = notifier })

	res := o.RunTurn(context.Background(), turnRequest("I finally finished my first marathon yesterday!"))

	records := notifier.all()
	require.Len(t, records, 1)
	assert.Equal(t, res.TurnID, records[0].TurnID)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, "conv-1", records[0].ConversationID)
	assert.Equal(t, string(types.DecisionRespondDirectly), records[0].Decision)
	assert.Contains(t, records[0].MatchedKeywords, "proud")
	assert.Contains(t, records[0].MatchedKeywords, "milestone")
}

func TestRunTurn_SkipsNotifyForSmallTalk(t *testing.T) {
	short := `{"decision":"respond_directly","direct_response_text":"Hi!"}`
	gen := &fakeGenerator{script: []scriptedCall{{text: short}}}
	notifier := &fakeNotifier{}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Notifier = notifier })

	o.RunTurn(context.Background(), turnRequest("hey"))

	assert.Empty(t, notifier.all())
}

func TestRunTurn_NotifyFailureIsSwallowed(t *testing.T) {
	reflective := `{"decision":"respond_directly","direct_response_text":"That decision to move cities for the new role sounds like something you have thought hard about."}`
	gen := &fakeGenerator{script: []scriptedCall{{text: reflective}}}
	notifier := &fakeNotifier{err: types.NewError(types.ErrServiceUnavailable, "queue down")}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Notifier = notifier })

	res := o.RunTurn(context.Background(), turnRequest("I decided to take the job offer"))

	assert.False(t, res.Metadata.Failed)
	assert.Len(t, notifier.all(), 1)
}

// ===== 🏗 构造 =====

func TestNew_RequiresGenerator(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-6)
	assert.Equal(t, 1024, cfg.MaxOutputTokens)
	assert.Equal(t, memory.DefaultContextTTL, cfg.ContextTTL)
}

func TestRunTurn_RepairNoteSurfacesInMetadata(t *testing.T) {
	// 逗号分隔的 key_phrases 会被修复管线归一，备注应出现在元数据里。
	commaPhrases := `{"decision":"query_memory","key_phrases":"grandmother, tea ritual"}`
	gen := &fakeGenerator{script: []scriptedCall{{text: commaPhrases}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	res := o.RunTurn(context.Background(), turnRequest("what was that ritual again?"))

	assert.False(t, res.Metadata.Failed)
	assert.Equal(t, []string{"grandmother", "tea ritual"}, res.Metadata.KeyPhrases)
	assert.NotEmpty(t, res.Metadata.RepairNote)
}

func TestRunTurn_PlainProsePassthrough(t *testing.T) {
	prose := "Of course, I'd be happy to help with that."
	gen := &fakeGenerator{script: []scriptedCall{{text: prose}}}
	o, _ := newTestOrchestrator(t, gen, nil)

	res := o.RunTurn(context.Background(), turnRequest("can you help me?"))

	assert.False(t, res.Metadata.Failed)
	assert.Equal(t, prose, res.Text)
	assert.Equal(t, types.DecisionRespondDirectly, res.Metadata.Decision)
}

func TestRunTurn_ConcurrentTurnsShareNoState(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: directPayload}}}
	o, _ := newTestOrchestrator(t, gen, nil)

	var wg sync.WaitGroup
	results := make([]*types.TurnResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.RunTurn(context.Background(), turnRequest("should we have tea?"))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, res := range results {
		require.NotNil(t, res)
		assert.False(t, res.Metadata.Failed)
		assert.False(t, seen[res.TurnID], "turn ids must be unique")
		seen[res.TurnID] = true
	}
}

func TestRunTurn_HistoryIsForwarded(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: directPayload}}}
	o, _ := newTestOrchestrator(t, gen, nil)

	req := turnRequest("and then?")
	req.History = []types.Message{
		{Role: types.RoleUser, Content: "tell me a story"},
		{Role: types.RoleAssistant, Content: "once upon a time..."},
	}
	o.RunTurn(context.Background(), req)

	require.Equal(t, 1, gen.calls())
	history := gen.request(0).History
	require.Len(t, history, 2)
	assert.Equal(t, "tell me a story", history[0].Content)
}

func TestRunTurn_TraceIDFlowsToGenerationRequests(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: queryPayload}, {text: recallReplyPayload}}}
	retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
	o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

	ctx := ctxkeys.WithTraceID(context.Background(), "req-trace-42")
	o.RunTurn(ctx, turnRequest("what did I tell you about my grandmother?"))

	// 首轮合成与二次合成都带同一链路 ID。
	require.Equal(t, 2, gen.calls())
	assert.Equal(t, "req-trace-42", gen.request(0).TraceID)
	assert.Equal(t, "req-trace-42", gen.request(1).TraceID)
}

func TestRunTurn_NoTraceIDLeavesRequestUnstamped(t *testing.T) {
	gen := &fakeGenerator{script: []scriptedCall{{text: directPayload}}}
	o, _ := newTestOrchestrator(t, gen, nil)

	o.RunTurn(context.Background(), turnRequest("hello"))

	require.Equal(t, 1, gen.calls())
	assert.Empty(t, gen.request(0).TraceID)
}

func TestRunTurn_ApologyNeverEmpty(t *testing.T) {
	// 各种失败形态下结果文本永不为空。
	cases := []struct {
		name   string
		script []scriptedCall
	}{
		{"exhausted", []scriptedCall{{err: types.NewError(types.ErrUpstreamError, "x")}}},
		{"empty output", []scriptedCall{{text: ""}}},
		{"whitespace output", []scriptedCall{{text: "   \n\t  "}}},
		{"double query", []scriptedCall{{text: queryPayload}, {text: queryPayload}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &fakeGenerator{script: tc.script}
			retriever := &fakeRetriever{result: &types.AugmentedMemoryContext{}}
			o, _ := newTestOrchestrator(t, gen, func(d *Deps) { d.Retriever = retriever })

			res := o.RunTurn(context.Background(), turnRequest("hello"))

			require.NotNil(t, res)
			assert.NotEmpty(t, res.Text)
			assert.NotNil(t, res.Actions)
		})
	}
}
