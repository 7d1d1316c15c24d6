package types

import "time"

// Decision selects the path a turn takes after the first synthesis call.
type Decision string

const (
	// DecisionRespondDirectly answers from conversation context alone.
	DecisionRespondDirectly Decision = "respond_directly"

	// DecisionQueryMemory retrieves long-term memory before answering.
	DecisionQueryMemory Decision = "query_memory"
)

// Valid reports whether d is one of the recognized decisions.
func (d Decision) Valid() bool {
	return d == DecisionRespondDirectly || d == DecisionQueryMemory
}

// MediaDescriptor describes a media attachment on a turn request. The
// orchestrator passes descriptors through to prompt assembly; it never
// fetches the underlying bytes.
type MediaDescriptor struct {
	Kind string `json:"kind"` // "image", "audio", "file"
	MIME string `json:"mime,omitempty"`
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

// EngagementContext carries the caller's current view state, used as an
// optional prompt hint.
type EngagementContext struct {
	View    string            `json:"view,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// TurnRequest is the immutable input for one conversational turn.
type TurnRequest struct {
	TurnID         string             `json:"turn_id,omitempty"`
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	Media          []MediaDescriptor  `json:"media,omitempty"`
	Engagement     *EngagementContext `json:"engagement,omitempty"`
	Grounding      bool               `json:"grounding"`

	// History is the ordered recent window of the conversation, supplied by
	// the caller (the service layer owns conversation storage).
	History []Message `json:"history,omitempty"`

	// PriorContext is the previous turn's continuity package, loaded from the
	// context store by the service layer. Prompt assembly renders it as a
	// hint; the orchestrator itself never reads the store.
	PriorContext *TurnContextPackage `json:"prior_context,omitempty"`
}

// UIActionOutcome is one scripted branch of a UI action.
type UIActionOutcome struct {
	Label string `json:"label"`
	Reply string `json:"reply"`
}

// UIActionPayload carries the confirmation/dismissal pair for an action.
type UIActionPayload struct {
	Prompt  string          `json:"prompt,omitempty"`
	Confirm UIActionOutcome `json:"confirm"`
	Dismiss UIActionOutcome `json:"dismiss"`
}

// UIAction is a suggestion the caller's surface may render alongside the
// response text. Every action carries both outcomes; neither is optional.
type UIAction struct {
	Name    string          `json:"name"`
	Payload UIActionPayload `json:"payload"`
}

// GroundingSource is one web source discovered during the grounding search
// phase.
type GroundingSource struct {
	URI     string `json:"uri"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// TurnContextPackage is the continuity hint the generation model produces for
// the next turn. It is written to the ephemeral context store after every
// turn and consumed by a future turn's prompt assembly; nothing in this core
// reads it back.
type TurnContextPackage struct {
	NextTurnFocus string    `json:"next_turn_focus"`
	Tone          string    `json:"tone,omitempty"`
	Flags         []string  `json:"flags,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// PlannedResponse is the canonical parsed form of a first-synthesis payload.
// The repair pipeline produces it from raw model text.
type PlannedResponse struct {
	Decision       Decision            `json:"decision"`
	KeyPhrases     []string            `json:"key_phrases,omitempty"`
	DirectResponse string              `json:"direct_response_text,omitempty"`
	Actions        []UIAction          `json:"actions"`
	ContextPackage *TurnContextPackage `json:"turn_context,omitempty"`
}

// TurnMetadata describes how a turn result was produced.
type TurnMetadata struct {
	Decision   Decision          `json:"decision"`
	KeyPhrases []string          `json:"key_phrases,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	Grounded   bool              `json:"grounded,omitempty"`
	Sources    []GroundingSource `json:"sources,omitempty"`

	// RepairNote records structural anomalies tolerated while parsing model
	// output (repaired JSON, coerced key-phrase shapes, unknown decisions).
	RepairNote string `json:"repair_note,omitempty"`

	// Failed marks a turn that exhausted generation and repair; the result
	// still carries well-formed apology text.
	Failed bool `json:"failed,omitempty"`
}

// TurnResult is what every RunTurn invocation returns. It is well-formed on
// every path, including total failure.
type TurnResult struct {
	TurnID   string       `json:"turn_id"`
	Text     string       `json:"text"`
	Actions  []UIAction   `json:"actions"`
	Metadata TurnMetadata `json:"metadata"`
}

// TurnEventKind discriminates entries of the ordered turn event stream.
type TurnEventKind string

const (
	TurnEventSource TurnEventKind = "source"
	TurnEventChunk  TurnEventKind = "chunk"
	TurnEventFinal  TurnEventKind = "final"
)

// TurnEvent is one entry of the ordered event stream a streaming turn emits.
// Stream grammar: zero or more Source events, then zero or more Chunk events,
// then exactly one Final event. Sources never follow chunks.
type TurnEvent struct {
	Kind   TurnEventKind    `json:"kind"`
	Source *GroundingSource `json:"source,omitempty"`
	Chunk  string           `json:"chunk,omitempty"`
	Final  *TurnResult      `json:"final,omitempty"`
}

// NewSourceEvent wraps a grounding source as a stream event.
func NewSourceEvent(src GroundingSource) TurnEvent {
	s := src
	return TurnEvent{Kind: TurnEventSource, Source: &s}
}

// NewChunkEvent wraps a narration fragment as a stream event.
func NewChunkEvent(text string) TurnEvent {
	return TurnEvent{Kind: TurnEventChunk, Chunk: text}
}

// NewFinalEvent wraps the completed result as the terminal stream event.
func NewFinalEvent(result *TurnResult) TurnEvent {
	return TurnEvent{Kind: TurnEventFinal, Final: result}
}
