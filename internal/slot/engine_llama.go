//go:build llama

package slot

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/catalog"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaEngine wraps go-llama.cpp behind the opaque Engine contract.
type llamaEngine struct {
	ctxSize int
	threads int
}

// NewLlamaEngine constructs the in-process llama.cpp engine.
func NewLlamaEngine(ctxSize, threads int) Engine {
	if ctxSize <= 0 {
		ctxSize = 2048
	}
	if threads <= 0 {
		threads = 4
	}
	return &llamaEngine{ctxSize: ctxSize, threads: threads}
}

func (e *llamaEngine) Load(ctx context.Context, path string, opts LoadOptions) (Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetContext(e.ctxSize),
	}
	if opts.Backend == catalog.BackendGPU {
		mo = append(mo, llama.SetGPULayers(99))
	}
	// llama.New blocks; the manager bounds the wait and abandons us on
	// timeout, so a late return must still produce a closable handle.
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaHandle{model: m, threads: e.threads}, nil
}

// llamaHandle owns one loaded model.
type llamaHandle struct {
	model   *llama.LLama
	threads int
}

func (h *llamaHandle) Infer(ctx context.Context, in Input) (Output, error) {
	if h.model == nil {
		return Output{}, errors.New("llama model not initialized")
	}
	// Bridge cancellation through the token callback.
	h.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	po := []llama.PredictOption{
		llama.SetThreads(h.threads),
	}
	if in.Temperature > 0 {
		po = append(po, llama.SetTemperature(float32(in.Temperature)))
	}
	if in.TopK > 0 {
		po = append(po, llama.SetTopK(in.TopK))
	}
	if in.TopP > 0 {
		po = append(po, llama.SetTopP(float32(in.TopP)))
	}
	text, err := h.model.Predict(in.Prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, err
	}
	return Output{Text: text}, nil
}

func (h *llamaHandle) Close() error {
	if h.model != nil {
		h.model.Free()
		h.model = nil
	}
	return nil
}
