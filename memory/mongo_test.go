package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/BaSui01/turnflow/types"
)

func TestRecencyScore(t *testing.T) {
	halflife := 7 * 24 * time.Hour

	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"fresh memory scores full", 0, 1.0},
		{"negative age clamps to full", -time.Hour, 1.0},
		{"one halflife decays to half", halflife, 0.5},
		{"two halflives decay to a quarter", 2 * halflife, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, recencyScore(tt.age, halflife), 1e-9)
		})
	}
}

func TestCombinedScore(t *testing.T) {
	params := types.DefaultRetrievalParameters()

	// 三个分量全满时组合得分等于权重和
	full := combinedScore(1, 1, 1, params)
	assert.InDelta(t, 1.0, full, types.WeightSumTolerance)

	assert.Equal(t, 0.0, combinedScore(0, 0, 0, params))

	// 超界分量先被钳到 [0,1]
	clamped := combinedScore(3.0, -1.0, 0.5, params)
	expected := params.SemanticWeight*1 + params.RecencyWeight*0 + params.ImportanceWeight*0.5
	assert.InDelta(t, expected, clamped, 1e-9)
}

func TestRankUnits_ReordersByCombinedScore(t *testing.T) {
	now := time.Now()
	params := types.DefaultRetrievalParameters()
	params.MaxUnits = 2

	stale := bson.NewObjectID()
	fresh := bson.NewObjectID()
	third := bson.NewObjectID()

	// 向量得分最高但一年未提及、毫无重要性的单元，
	// 应被新鲜且重要的次优命中反超
	docs := []unitDoc{
		{ID: stale, Content: "stale", Importance: 0, CreatedAt: now.Add(-365 * 24 * time.Hour), Score: 0.95},
		{ID: fresh, Content: "fresh", Importance: 0.9, CreatedAt: now.Add(-time.Hour), Score: 0.80},
		{ID: third, Content: "third", Importance: 0.1, CreatedAt: now.Add(-30 * 24 * time.Hour), Score: 0.40},
	}

	units := rankUnits(docs, now, defaultRecencyHalflife, params)

	require.Len(t, units, 2, "应截到 MaxUnits")
	assert.Equal(t, fresh.Hex(), units[0].ID)
	assert.Equal(t, stale.Hex(), units[1].ID)

	for _, u := range units {
		assert.GreaterOrEqual(t, u.Score, 0.0)
		assert.LessOrEqual(t, u.Score, 1.0+types.WeightSumTolerance)
	}
}

func TestRankUnits_EmptyInput(t *testing.T) {
	units := rankUnits(nil, time.Now(), defaultRecencyHalflife, types.DefaultRetrievalParameters())
	assert.Empty(t, units)
}

func TestFlattenConcepts(t *testing.T) {
	seed := bson.NewObjectID()
	near := bson.NewObjectID()
	far := bson.NewObjectID()

	docs := []conceptDoc{
		{
			ID:   seed,
			Name: "kyoto",
			Expanded: []expandedConcept{
				{ID: near, Name: "temples", Depth: 0},
				{ID: far, Name: "zen gardens", Depth: 1},
				// 同一概念再次以更深跳数出现：保留最小跳数
				{ID: near, Name: "temples", Depth: 1},
			},
		},
	}

	concepts := flattenConcepts(docs, 10)

	require.Len(t, concepts, 3)
	assert.Equal(t, "kyoto", concepts[0].Name)
	assert.Equal(t, 1.0, concepts[0].Score)
	assert.Equal(t, 0, concepts[0].Depth)
	assert.Equal(t, "matched", concepts[0].Relation)

	assert.Equal(t, "temples", concepts[1].Name)
	assert.Equal(t, 0.5, concepts[1].Score)
	assert.Equal(t, 1, concepts[1].Depth)

	assert.Equal(t, "zen gardens", concepts[2].Name)
	assert.InDelta(t, 1.0/3.0, concepts[2].Score, 1e-9)
	assert.Equal(t, 2, concepts[2].Depth)
}

func TestFlattenConcepts_SeedBeatsExpansion(t *testing.T) {
	shared := bson.NewObjectID()
	other := bson.NewObjectID()

	// 一份文档把 shared 当扩展，另一份把它当种子：种子身份（0 跳）胜出
	docs := []conceptDoc{
		{ID: other, Name: "trip", Expanded: []expandedConcept{{ID: shared, Name: "kyoto", Depth: 0}}},
		{ID: shared, Name: "kyoto"},
	}

	concepts := flattenConcepts(docs, 10)

	require.Len(t, concepts, 2)
	for _, c := range concepts {
		if c.ID == shared.Hex() {
			assert.Equal(t, 0, c.Depth)
			assert.Equal(t, 1.0, c.Score)
			assert.Equal(t, "matched", c.Relation)
		}
	}
}

func TestFlattenConcepts_CapsResults(t *testing.T) {
	seed := bson.NewObjectID()
	docs := []conceptDoc{{
		ID:   seed,
		Name: "seed",
		Expanded: []expandedConcept{
			{ID: bson.NewObjectID(), Name: "a", Depth: 0},
			{ID: bson.NewObjectID(), Name: "b", Depth: 0},
			{ID: bson.NewObjectID(), Name: "c", Depth: 1},
		},
	}}

	concepts := flattenConcepts(docs, 2)

	require.Len(t, concepts, 2)
	assert.Equal(t, "seed", concepts[0].Name, "得分最高的种子必须入选")
}

func TestNormalizeArtifacts(t *testing.T) {
	a := bson.NewObjectID()
	b := bson.NewObjectID()

	docs := []artifactDoc{
		{ID: a, Title: "travel notes", Score: 4.2},
		{ID: b, Title: "packing list", Score: 2.1},
	}

	artifacts := normalizeArtifacts(docs)

	require.Len(t, artifacts, 2)
	assert.Equal(t, 1.0, artifacts[0].Score, "批首结果归一后恒为 1.0")
	assert.InDelta(t, 0.5, artifacts[1].Score, 1e-9)
	assert.Equal(t, a.Hex(), artifacts[0].ID)
}

func TestNormalizeArtifacts_DegenerateScores(t *testing.T) {
	docs := []artifactDoc{{ID: bson.NewObjectID(), Title: "zero", Score: 0}}

	artifacts := normalizeArtifacts(docs)

	require.Len(t, artifacts, 1)
	assert.Equal(t, 0.0, artifacts[0].Score)

	assert.Nil(t, normalizeArtifacts(nil))
}

func TestNormalizePhrases(t *testing.T) {
	got := normalizePhrases([]string{" Kyoto Trip ", "", "ZEN", "  "})
	assert.Equal(t, []string{"kyoto trip", "zen"}, got)
}

func TestMongoConfig_Defaults(t *testing.T) {
	var cfg MongoConfig
	cfg.applyDefaults()

	assert.Equal(t, DefaultMongoConfig(), cfg)

	// 显式配置不被默认值覆盖
	custom := MongoConfig{URI: "mongodb://db:27017", Database: "other"}
	custom.applyDefaults()
	assert.Equal(t, "mongodb://db:27017", custom.URI)
	assert.Equal(t, "other", custom.Database)
	assert.Equal(t, "memory_units", custom.UnitsCollection)
}
