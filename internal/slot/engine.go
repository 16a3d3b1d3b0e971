package slot

import (
	"context"

	"inferd/internal/catalog"
)

// EngineBuilt reports whether this binary carries the native llama engine
// (built with the 'llama' tag) or the refusing stub.
func EngineBuilt() bool { return llamaBuilt }

// Engine abstracts the inference runtime. The manager treats it as an
// opaque black box: load yields a handle or an error, nothing else is
// assumed about its internals.
type Engine interface {
	// Load constructs an inference handle for the artifact at path.
	// Implementations must return promptly once ctx is canceled; the
	// manager never waits past its load timeout regardless.
	Load(ctx context.Context, path string, opts LoadOptions) (Handle, error)
}

// LoadOptions carries descriptor hints to the engine.
type LoadOptions struct {
	Backend    catalog.Backend
	Multimodal bool
}

// Handle is one live model instance.
type Handle interface {
	// Infer runs a single generation. Implementations must return when
	// the context is canceled.
	Infer(ctx context.Context, in Input) (Output, error)
	// Close frees the native resources behind the handle.
	Close() error
}

// Input is one generation request as seen by the engine.
type Input struct {
	Prompt      string
	Image       []byte
	Temperature float64
	TopK        int
	TopP        float64
}

// Output is the engine's result.
type Output struct {
	Text string
}
