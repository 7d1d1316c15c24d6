package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/turnflow/internal/database"
	"github.com/BaSui01/turnflow/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// glebarez 的 :memory: 每条连接各是一个库，先把池钉在单连接上再建表
	cfg := database.PoolConfig{MaxIdleConns: 1, MaxOpenConns: 1}
	pool, err := database.NewPoolManager(db, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, AutoMigrate(pool.DB()))

	store, err := NewStore(pool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func turnFixture(conv string, i int) *TurnRecord {
	return &TurnRecord{
		TurnID:         fmt.Sprintf("turn-%s-%d", conv, i),
		ConversationID: conv,
		UserID:         "user-1",
		UserText:       fmt.Sprintf("question %d", i),
		ResponseText:   fmt.Sprintf("answer %d", i),
		Decision:       string(types.DecisionRespondDirectly),
		KeyPhrases:     []string{"tea", "ritual"},
		LatencyMS:      120,
	}
}

func TestAppendTurn_CreatesConversationOnFirstTurn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, turnFixture("conv-1", 1)))

	conv, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", conv.UserID)
	assert.Equal(t, "question 1", conv.Title)
	assert.Equal(t, 1, conv.TurnCount)
	assert.False(t, conv.LastTurnAt.IsZero())

	rec, err := store.GetTurn(ctx, "turn-conv-1-1")
	require.NoError(t, err)
	assert.Equal(t, "answer 1", rec.ResponseText)
	assert.Equal(t, []string{"tea", "ritual"}, rec.KeyPhrases)
	assert.Equal(t, int64(120), rec.LatencyMS)
}

func TestAppendTurn_IncrementsExistingConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := turnFixture("conv-1", i)
		rec.CreatedAt = time.Date(2026, 8, 1, 10, i, 0, 0, time.UTC)
		require.NoError(t, store.AppendTurn(ctx, rec))
	}

	conv, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 3, conv.TurnCount)
	// 标题保持首回合文本不变
	assert.Equal(t, "question 1", conv.Title)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 3, 0, 0, time.UTC), conv.LastTurnAt.UTC())
}

func TestAppendTurn_ValidatesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.AppendTurn(ctx, nil))

	rec := turnFixture("conv-1", 1)
	rec.TurnID = ""
	assert.Error(t, store.AppendTurn(ctx, rec))
}

func TestRecentMessages_ExpandsNewestTurnsOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendTurn(ctx, turnFixture("conv-1", i)))
	}

	msgs, err := store.RecentMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	// 最近两个回合，按时间正序展开为 user/assistant 对
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "question 2", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "answer 2", msgs[1].Content)
	assert.Equal(t, "question 3", msgs[2].Content)
	assert.Equal(t, "answer 3", msgs[3].Content)
}

func TestRecentMessages_SkipsFailedTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, turnFixture("conv-1", 1)))

	failed := turnFixture("conv-1", 2)
	failed.Failed = true
	failed.ResponseText = "I'm sorry, something went wrong on my end."
	require.NoError(t, store.AppendTurn(ctx, failed))

	msgs, err := store.RecentMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "question 1", msgs[0].Content)
	assert.Equal(t, "answer 1", msgs[1].Content)
}

func TestRecentMessages_EmptyConversation(t *testing.T) {
	store := newTestStore(t)

	msgs, err := store.RecentMessages(context.Background(), "no-such-conv", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListTurns_PaginatesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AppendTurn(ctx, turnFixture("conv-1", i)))
	}

	turns, total, err := store.ListTurns(ctx, "conv-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, turns, 2)
	assert.Equal(t, "turn-conv-1-5", turns[0].TurnID)
	assert.Equal(t, "turn-conv-1-4", turns[1].TurnID)

	turns, total, err = store.ListTurns(ctx, "conv-1", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, turns, 1)
	assert.Equal(t, "turn-conv-1-1", turns[0].TurnID)
}

func TestListConversations_OrdersByActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := turnFixture("conv-old", 1)
	old.CreatedAt = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendTurn(ctx, old))

	fresh := turnFixture("conv-fresh", 1)
	fresh.CreatedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendTurn(ctx, fresh))

	other := turnFixture("conv-other", 1)
	other.UserID = "user-2"
	require.NoError(t, store.AppendTurn(ctx, other))

	convs, total, err := store.ListConversations(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv-fresh", convs[0].ConversationID)
	assert.Equal(t, "conv-old", convs[1].ConversationID)
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetTurn_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTurn(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

func TestDeleteConversation_RemovesTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		require.NoError(t, store.AppendTurn(ctx, turnFixture("conv-1", i)))
	}

	require.NoError(t, store.DeleteConversation(ctx, "conv-1"))

	_, err := store.GetConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, total, err := store.ListTurns(ctx, "conv-1", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.ErrorIs(t, store.DeleteConversation(ctx, "conv-1"), ErrConversationNotFound)
}

func TestRecordOf_FoldsCompletedTurn(t *testing.T) {
	req := &types.TurnRequest{
		TurnID:         "req-turn",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Text:           "tell me about the telescope",
	}
	res := &types.TurnResult{
		TurnID: "res-turn",
		Text:   "It launched in December 2021.",
		Metadata: types.TurnMetadata{
			Decision:   types.DecisionQueryMemory,
			KeyPhrases: []string{"telescope"},
			Elapsed:    1500 * time.Millisecond,
			Grounded:   true,
			Sources: []types.GroundingSource{
				{URI: "https://example.org/jwst", Title: "Webb updates"},
			},
			RepairNote: "repaired truncated output",
		},
	}

	rec := RecordOf(req, res)
	assert.Equal(t, "res-turn", rec.TurnID)
	assert.Equal(t, "conv-1", rec.ConversationID)
	assert.Equal(t, "tell me about the telescope", rec.UserText)
	assert.Equal(t, "It launched in December 2021.", rec.ResponseText)
	assert.Equal(t, string(types.DecisionQueryMemory), rec.Decision)
	assert.Equal(t, []string{"telescope"}, rec.KeyPhrases)
	assert.True(t, rec.Grounded)
	assert.Equal(t, 1, rec.SourceCount)
	assert.Equal(t, int64(1500), rec.LatencyMS)
	assert.Equal(t, "repaired truncated output", rec.RepairNote)

	// 结果缺回合标识时回落到请求侧
	res.TurnID = ""
	assert.Equal(t, "req-turn", RecordOf(req, res).TurnID)
}

func TestTruncateTitle_CapsRunes(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "想"
	}
	title := truncateTitle(long)
	assert.Equal(t, titleRuneLimit, len([]rune(title)))

	assert.Equal(t, "short", truncateTitle("short"))
}
