package types

import (
	"fmt"
	"time"
)

// MemoryUnit is one retrieved long-term memory entry.
type MemoryUnit struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind,omitempty"` // "episodic", "semantic", "reflection"
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Concept is a graph-expanded concept related to the retrieved units.
type Concept struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Relation string  `json:"relation,omitempty"`
	Score    float64 `json:"score"`
	Depth    int     `json:"depth,omitempty"`
}

// Artifact is a retrieved user artifact (note, document, card).
type Artifact struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// AugmentedMemoryContext is the ordered result of a hybrid retrieval call.
// All scores are normalized into [0,1]. It is consumed once by the second
// synthesis call and never persisted.
type AugmentedMemoryContext struct {
	Units     []MemoryUnit `json:"units"`
	Concepts  []Concept    `json:"concepts"`
	Artifacts []Artifact   `json:"artifacts"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// Empty reports whether retrieval produced nothing at all. An empty context
// is not an error; the second synthesis proceeds with an explicitly empty
// context block.
func (c *AugmentedMemoryContext) Empty() bool {
	return c == nil || (len(c.Units) == 0 && len(c.Concepts) == 0 && len(c.Artifacts) == 0)
}

// Size returns the total number of retrieved entries.
func (c *AugmentedMemoryContext) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Units) + len(c.Concepts) + len(c.Artifacts)
}

// WeightSumTolerance is the allowed deviation of α+β+γ from 1.0.
const WeightSumTolerance = 0.01

// RetrievalParameters tune the hybrid memory retrieval per user. The three
// weights must sum to 1.0 within WeightSumTolerance.
type RetrievalParameters struct {
	SemanticWeight   float64 `json:"semantic_weight"`   // α
	RecencyWeight    float64 `json:"recency_weight"`    // β
	ImportanceWeight float64 `json:"importance_weight"` // γ

	MaxHops      int `json:"max_hops"`
	MaxUnits     int `json:"max_units"`
	MaxConcepts  int `json:"max_concepts"`
	MaxArtifacts int `json:"max_artifacts"`
	TimeoutMS    int `json:"timeout_ms"`
}

// DefaultRetrievalParameters returns the documented default set substituted
// whenever a per-user set is absent or invalid.
func DefaultRetrievalParameters() RetrievalParameters {
	return RetrievalParameters{
		SemanticWeight:   0.6,
		RecencyWeight:    0.25,
		ImportanceWeight: 0.15,
		MaxHops:          2,
		MaxUnits:         8,
		MaxConcepts:      6,
		MaxArtifacts:     4,
		TimeoutMS:        3000,
	}
}

// Timeout returns the retrieval deadline as a duration.
func (p RetrievalParameters) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Validate checks the weight-sum invariant and the bounded integer fields.
// Violations return an INVALID_RETRIEVAL_PARAMETERS error; callers at the
// per-user load boundary catch it and substitute the default set.
func (p RetrievalParameters) Validate() error {
	sum := p.SemanticWeight + p.RecencyWeight + p.ImportanceWeight
	if diff := sum - 1.0; diff > WeightSumTolerance || diff < -WeightSumTolerance {
		return NewError(ErrInvalidRetrievalParameters,
			fmt.Sprintf("weights must sum to 1.0±%.2f, got %.4f", WeightSumTolerance, sum))
	}
	if p.SemanticWeight < 0 || p.RecencyWeight < 0 || p.ImportanceWeight < 0 {
		return NewError(ErrInvalidRetrievalParameters, "weights must be non-negative")
	}
	if p.MaxHops < 0 || p.MaxHops > 5 {
		return NewError(ErrInvalidRetrievalParameters,
			fmt.Sprintf("max_hops must be in [0,5], got %d", p.MaxHops))
	}
	if p.MaxUnits <= 0 || p.MaxConcepts < 0 || p.MaxArtifacts < 0 {
		return NewError(ErrInvalidRetrievalParameters, "result caps must be positive")
	}
	if p.TimeoutMS <= 0 || p.TimeoutMS > 60_000 {
		return NewError(ErrInvalidRetrievalParameters,
			fmt.Sprintf("timeout_ms must be in (0,60000], got %d", p.TimeoutMS))
	}
	return nil
}
