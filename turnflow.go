// Package turnflow provides a top-level convenience entry point for creating
// a turn orchestrator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/turnflow"
//
//	orch, err := turnflow.New(turnflow.WithGemini("gemini-2.5-flash"))
//	orch, err := turnflow.New(turnflow.WithGenerator(myGenerator), turnflow.WithModel("custom"))
//
// The returned orchestrator runs with in-process defaults: no memory
// retrieval, no continuity store, no ingest queue. Wire those through
// [WithRetriever] and [WithDeps] when the backing services exist; the full
// server assembly lives in cmd/turnflow.
package turnflow

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/turnflow/llm"
	"github.com/BaSui01/turnflow/llm/gemini"
	"github.com/BaSui01/turnflow/memory"
	"github.com/BaSui01/turnflow/turn"
)

// Option configures the orchestrator created by [New].
type Option func(*options)

type options struct {
	generator llm.Generator
	retriever memory.Retriever
	logger    *zap.Logger
	cfg       turn.Config
	deps      *turn.Deps

	// Gemini shortcut fields — used when generator is nil.
	useGemini bool
	apiKey    string
}

// WithGenerator sets a pre-built generation backend.
func WithGenerator(g llm.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithGemini creates a Gemini backend using the given model.
// API key is read from the GEMINI_API_KEY environment variable.
func WithGemini(model string) Option {
	return func(o *options) {
		o.useGemini = true
		o.cfg.Model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// WithAPIKey overrides the API key for [WithGemini].
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithModel sets the model name. Overrides the model set by [WithGemini].
func WithModel(model string) Option {
	return func(o *options) { o.cfg.Model = model }
}

// WithPersona overrides the default system persona.
func WithPersona(persona string) Option {
	return func(o *options) { o.cfg.Persona = persona }
}

// WithRetriever attaches a long-term memory retriever. Without one, every
// turn degrades to an empty memory context.
func WithRetriever(r memory.Retriever) Option {
	return func(o *options) { o.retriever = r }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConfig replaces the full orchestration config. Model and persona set
// through other options still apply on top.
func WithConfig(cfg turn.Config) Option {
	return func(o *options) {
		model, persona := o.cfg.Model, o.cfg.Persona
		o.cfg = cfg
		if model != "" {
			o.cfg.Model = model
		}
		if persona != "" {
			o.cfg.Persona = persona
		}
	}
}

// WithDeps replaces the full dependency set. The generator resolved from
// other options wins over deps.Generator when both are present.
func WithDeps(deps turn.Deps) Option {
	return func(o *options) { o.deps = &deps }
}

// New creates a [turn.Orchestrator] with minimal configuration.
// At minimum, a generation backend must be specified via [WithGemini] or
// [WithGenerator].
func New(opts ...Option) (*turn.Orchestrator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	// Resolve the generation backend.
	g := o.generator
	if g == nil {
		if !o.useGemini {
			return nil, fmt.Errorf("generator is required: use WithGenerator or WithGemini")
		}
		if o.apiKey == "" {
			return nil, fmt.Errorf("API key is required for gemini: set GEMINI_API_KEY or use WithAPIKey")
		}
		g = gemini.New(gemini.Config{
			APIKey: o.apiKey,
			Model:  o.cfg.Model,
		}, o.logger)
	}

	deps := turn.Deps{}
	if o.deps != nil {
		deps = *o.deps
	}
	deps.Generator = g
	if o.retriever != nil {
		deps.Retriever = o.retriever
	}
	if deps.Logger == nil {
		deps.Logger = o.logger
	}

	return turn.New(o.cfg, deps)
}
