package types

// ModelView describes one catalog model and its local availability for GET /v1/models.
type ModelView struct {
	// Stable identifier for the model.
	// example: gemma-2b-it-cpu-int4
	ID string `json:"id" example:"gemma-2b-it-cpu-int4"`
	// Human-friendly name.
	// example: Gemma 2B (CPU, int4)
	DisplayName string `json:"display_name" example:"Gemma 2B (CPU, int4)"`
	// Expected artifact filename on disk.
	// example: gemma-2b-it-cpu-int4.task
	FileName string `json:"file_name" example:"gemma-2b-it-cpu-int4.task"`
	// Remote artifact URL.
	SourceURL string `json:"source_url,omitempty"`
	// Whether the download requires a manually obtained auth token.
	// example: false
	RequiresManualAuth bool `json:"requires_manual_auth,omitempty"`
	// Whether the model accepts image input alongside text.
	// example: false
	Multimodal bool `json:"multimodal,omitempty"`
	// Preferred inference backend: cpu, gpu or auto.
	// example: cpu
	PreferredBackend string `json:"preferred_backend" example:"cpu"`
	// Resolved artifact path when the model is available locally.
	Path string `json:"path,omitempty"`
	// Artifact size in bytes when available locally.
	// example: 1354301440
	SizeBytes int64 `json:"size_bytes,omitempty" example:"1354301440"`
	// Set when the model is quarantined after a failed load.
	// example: false
	Failed bool `json:"failed,omitempty"`
}
