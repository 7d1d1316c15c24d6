package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/internal/cache"
	"github.com/BaSui01/turnflow/internal/obs"
)

func setupNotifier(t *testing.T, queue string) (*miniredis.Miniredis, *IngestNotifier, *obs.MemoryRecorder) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	rec := obs.NewMemoryRecorder()
	return mr, NewIngestNotifier(manager, queue, rec, zap.NewNop()), rec
}

func TestIngestNotifier_NotifyEnqueues(t *testing.T) {
	mr, notifier, _ := setupNotifier(t, "")
	ctx := context.Background()

	err := notifier.Notify(ctx, IngestRecord{
		TurnID:          "turn-1",
		UserID:          "user-1",
		ConversationID:  "conv-1",
		UserText:        "remember that my sister's birthday is in June",
		ResponseText:    "Got it, I'll keep that in mind.",
		Decision:        "respond_directly",
		MatchedKeywords: []string{"remember"},
	})
	require.NoError(t, err)

	depth, err := notifier.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	raw, err := mr.Lpop(DefaultIngestQueue)
	require.NoError(t, err)

	var got IngestRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "turn-1", got.TurnID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []string{"remember"}, got.MatchedKeywords)
	assert.False(t, got.CreatedAt.IsZero(), "CreatedAt 应在入列前补齐")
}

func TestIngestNotifier_CustomQueueName(t *testing.T) {
	mr, notifier, _ := setupNotifier(t, "custom_ingest")

	require.NoError(t, notifier.Notify(context.Background(), IngestRecord{TurnID: "turn-1"}))

	assert.True(t, mr.Exists("custom_ingest"))
	assert.False(t, mr.Exists(DefaultIngestQueue))
}

func TestIngestNotifier_QueueAccumulates(t *testing.T) {
	_, notifier, _ := setupNotifier(t, "")
	ctx := context.Background()

	require.NoError(t, notifier.Notify(ctx, IngestRecord{TurnID: "turn-1"}))
	require.NoError(t, notifier.Notify(ctx, IngestRecord{TurnID: "turn-2"}))

	depth, err := notifier.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestIngestNotifier_EnqueueFailureIsReported(t *testing.T) {
	mr, notifier, rec := setupNotifier(t, "")
	mr.Close()

	err := notifier.Notify(context.Background(), IngestRecord{TurnID: "turn-1"})

	require.Error(t, err)
	assert.True(t, rec.Has("ingest.enqueue_failed"))
}
