// Package catalog holds the closed, compiled-in list of model descriptors
// the daemon knows how to fetch and serve. Descriptors are immutable; the
// locator decides which of them are actually present on disk.
package catalog

// Backend selects the preferred inference backend for a model.
type Backend string

const (
	BackendCPU  Backend = "cpu"
	BackendGPU  Backend = "gpu"
	BackendAuto Backend = "auto"
)

// Descriptor identifies one model variant. Compiled into the binary,
// never mutated.
type Descriptor struct {
	// ID is the stable identifier used in requests and ledger keys.
	ID string
	// DisplayName is the human-friendly name shown in listings.
	DisplayName string
	// FileName is the expected artifact filename on any storage volume.
	FileName string
	// SourceURL is the remote artifact location.
	SourceURL string
	// RequiresManualAuth marks models whose download URL needs a
	// manually obtained token (gated repositories).
	RequiresManualAuth bool
	// SupportsMultimodalInput marks models that accept image input.
	SupportsMultimodalInput bool
	// PreferredBackend hints which backend the engine should use.
	PreferredBackend Backend
}

var builtin = []Descriptor{
	{
		ID:               "gemma-2b-it-cpu-int4",
		DisplayName:      "Gemma 2B (CPU, int4)",
		FileName:         "gemma-2b-it-cpu-int4.task",
		SourceURL:        "https://huggingface.co/google/gemma-2b-it-tflite/resolve/main/gemma-2b-it-cpu-int4.task",
		PreferredBackend: BackendCPU,
	},
	{
		ID:               "gemma-2b-it-gpu-int4",
		DisplayName:      "Gemma 2B (GPU, int4)",
		FileName:         "gemma-2b-it-gpu-int4.task",
		SourceURL:        "https://huggingface.co/google/gemma-2b-it-tflite/resolve/main/gemma-2b-it-gpu-int4.task",
		PreferredBackend: BackendGPU,
	},
	{
		ID:                      "gemma-3n-e2b-it-int4",
		DisplayName:             "Gemma 3n E2B (multimodal)",
		FileName:                "gemma-3n-E2B-it-int4.task",
		SourceURL:               "https://huggingface.co/google/gemma-3n-E2B-it-litert-preview/resolve/main/gemma-3n-E2B-it-int4.task",
		RequiresManualAuth:      true,
		SupportsMultimodalInput: true,
		PreferredBackend:        BackendAuto,
	},
	{
		ID:               "tinyllama-1.1b-chat-q4",
		DisplayName:      "TinyLlama 1.1B Chat (Q4_K_M)",
		FileName:         "tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf",
		SourceURL:        "https://huggingface.co/TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/resolve/main/tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf",
		PreferredBackend: BackendCPU,
	},
	{
		ID:               "qwen2.5-1.5b-instruct-q4",
		DisplayName:      "Qwen 2.5 1.5B Instruct (Q4_K_M)",
		FileName:         "qwen2.5-1.5b-instruct-q4_k_m.gguf",
		SourceURL:        "https://huggingface.co/Qwen/Qwen2.5-1.5B-Instruct-GGUF/resolve/main/qwen2.5-1.5b-instruct-q4_k_m.gguf",
		PreferredBackend: BackendAuto,
	},
}

// All returns a copy of the built-in descriptor list.
func All() []Descriptor {
	out := make([]Descriptor, len(builtin))
	copy(out, builtin)
	return out
}

// ByID looks up a descriptor by its id.
func ByID(id string) (Descriptor, bool) {
	for _, d := range builtin {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Count reports the number of known descriptors.
func Count() int { return len(builtin) }
