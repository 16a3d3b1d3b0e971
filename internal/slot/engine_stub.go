//go:build !llama

package slot

import (
	"context"
	"errors"
)

// This file provides a no-CGO stub for the llama engine. It is compiled
// when the 'llama' build tag is NOT set, keeping default builds and CI
// CGO-free. The real engine lives in engine_llama.go (tagged 'llama').

var llamaBuilt = false

// ErrEngineUnavailable is returned by the stub engine: default builds
// refuse to run inference instead of mocking it.
var ErrEngineUnavailable = errors.New("llama support not built (missing 'llama' build tag)")

type llamaEngine struct{}

// NewLlamaEngine returns a stub that satisfies Engine but refuses to load
// without the 'llama' build tag.
func NewLlamaEngine(ctxSize, threads int) Engine { return &llamaEngine{} }

func (e *llamaEngine) Load(ctx context.Context, path string, opts LoadOptions) (Handle, error) {
	return nil, ErrEngineUnavailable
}
