package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: gemma-2b-it-cpu-int4
	Model string `json:"model,omitempty" example:"gemma-2b-it-cpu-int4"`
	// Required prompt text.
	// example: Describe this picture.
	Prompt string `json:"prompt" example:"Describe this picture."`
	// Optional inline image, base64-encoded. Requires a multimodal model.
	Image string `json:"image,omitempty"`
	// Capture preference: "none" (default) or "camera" to attach a live
	// capture when no inline image is given.
	// example: none
	Capture string `json:"capture,omitempty" example:"none"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Echo the effective input image back in the response.
	// example: false
	ReturnImage bool `json:"return_image,omitempty"`
}

// GenerateResponse is returned by POST /v1/generate.
type GenerateResponse struct {
	// Model that served the request.
	// example: gemma-2b-it-cpu-int4
	Model string `json:"model" example:"gemma-2b-it-cpu-int4"`
	// Generated text.
	Text string `json:"text"`
	// Input image echoed back, base64-encoded (only when requested).
	Image string `json:"image,omitempty"`
	// Wall-clock time spent serving the request, in milliseconds.
	// example: 1843
	ElapsedMS int64 `json:"elapsed_ms" example:"1843"`
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	// Locally available models.
	Models []ModelView `json:"models"`
}

// DownloadProgress is one NDJSON line emitted while streaming a download.
type DownloadProgress struct {
	// Model being downloaded.
	// example: gemma-2b-it-cpu-int4
	Model string `json:"model" example:"gemma-2b-it-cpu-int4"`
	// Bytes written so far.
	// example: 52428800
	BytesDone int64 `json:"bytes_done" example:"52428800"`
	// Expected total bytes; 0 when the server did not report a length.
	// example: 1354301440
	BytesTotal int64 `json:"bytes_total" example:"1354301440"`
	// Completion percentage, clamped to 0..100.
	// example: 3.9
	Percent float64 `json:"percent" example:"3.9"`
	// Set on the final line of a successful download.
	Done bool `json:"done,omitempty"`
	// Set on the final line of a failed download.
	Error string `json:"error,omitempty"`
}

// DownloadAccepted is returned when a download is started asynchronously.
type DownloadAccepted struct {
	// Model being downloaded.
	Model string `json:"model"`
	// Operation id for log correlation.
	// example: 2f1f6c9e-6a7b-4c8e-9a6e-0c8f1a2b3c4d
	OpID string `json:"op_id"`
}

// PersistenceInfo is the per-model ledger entry exposed by GET /v1/persistence/{id}.
type PersistenceInfo struct {
	Model          string `json:"model"`
	DownloadPath   string `json:"download_path,omitempty"`
	FileSize       int64  `json:"file_size"`
	DownloadedUnix int64  `json:"downloaded_unix,omitempty"`
	AccessedUnix   int64  `json:"last_accessed_unix,omitempty"`
	Loaded         bool   `json:"loaded"`
	// Download status: not_started, in_progress, completed or failed.
	// example: completed
	Status string `json:"status" example:"completed"`
	// Last recorded error for this model, if any.
	LastError string `json:"last_error,omitempty"`
}

// PersistenceSummary aggregates the ledger for GET /v1/persistence.
type PersistenceSummary struct {
	TotalModels      int   `json:"total_models"`
	DownloadedModels int   `json:"downloaded_models"`
	LoadedModels     int   `json:"loaded_models"`
	TotalSizeBytes   int64 `json:"total_size_bytes"`
	OldestDownload   int64 `json:"oldest_download_unix,omitempty"`
	NewestDownload   int64 `json:"newest_download_unix,omitempty"`
	LastAccessed     int64 `json:"last_accessed_unix,omitempty"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	// Whether on-device inference is enabled at all.
	// example: true
	Enabled bool `json:"enabled"`
	// Whether this binary was compiled with the native inference engine.
	// example: true
	EngineBuilt bool `json:"engine_built"`
	// Number of catalog models with a locally resolvable artifact.
	// example: 2
	DownloadedCount int `json:"downloaded_count" example:"2"`
	// Total number of catalog models.
	// example: 5
	TotalCount int `json:"total_count" example:"5"`
	// Id of the model currently resident in the slot, if any.
	// example: gemma-2b-it-cpu-int4
	CurrentModel string `json:"current_model,omitempty"`
	// Slot state: empty, loading, ready or failed.
	// example: ready
	SlotState string `json:"slot_state" example:"ready"`
	// An inference call is in flight.
	Processing bool `json:"processing"`
	// Unix seconds when the in-flight inference started.
	ProcessingSince int64 `json:"processing_since_unix,omitempty"`
	// A slot transition (load/unload) is in flight.
	ModelLoading bool `json:"model_loading"`
	// Unix seconds when the in-flight transition started.
	ModelLoadingSince int64 `json:"model_loading_since_unix,omitempty"`
	// Last error observed by the slot manager, if any.
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: gemma-9b
	Error string `json:"error" example:"model not found: gemma-9b"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Machine-readable error kind from the manager taxonomy, when known.
	// example: model_not_found
	Kind string `json:"kind,omitempty" example:"model_not_found"`
}
