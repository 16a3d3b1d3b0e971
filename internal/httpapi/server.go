package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/download"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels(includeFailed bool) types.ModelsResponse
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error)
	Download(ctx context.Context, id string, onProgress download.ProgressFunc) error
	DownloadAsync(id string) (types.DownloadAccepted, error)
	RemoveModel(id string) error
	Persistence() types.PersistenceSummary
	PersistenceFor(id string) (types.PersistenceInfo, error)
	CleanupPersistence() (entries, refs int)
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", handleListModels(svc))
		r.Get("/status", handleStatus(svc))
		r.Post("/generate", handleGenerate(svc))
		r.Post("/models/{id}/download", handleDownload(svc))
		r.Delete("/models/{id}", handleRemoveModel(svc))
		r.Get("/persistence", handlePersistence(svc))
		r.Get("/persistence/{id}", handlePersistenceFor(svc))
		r.Post("/persistence/cleanup", handlePersistenceCleanup(svc))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// handleListModels godoc
// @Summary List models
// @Description Returns the catalog with local availability. Models that
// @Description failed to load or infer are hidden unless ?include_failed=1.
// @Tags models
// @Produce json
// @Param include_failed query string false "include quarantined models"
// @Success 200 {object} types.ModelsResponse
// @Router /v1/models [get]
func handleListModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeFailed := r.URL.Query().Get("include_failed") == "1"
		writeJSON(w, http.StatusOK, svc.ListModels(includeFailed))
	}
}

// handleStatus godoc
// @Summary Daemon status
// @Tags status
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /v1/status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
}

// handleGenerate godoc
// @Summary Run one generation
// @Description Loads the requested model if needed, then runs inference.
// @Tags generate
// @Accept json
// @Produce json
// @Param request body types.GenerateRequest true "generation request"
// @Success 200 {object} types.GenerateResponse
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 429 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Failure 504 {object} types.ErrorResponse
// @Router /v1/generate [post]
func handleGenerate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "")
			return
		}

		start := time.Now()
		logRequestStart(r, "generate start", req.Model)
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, err := svc.Generate(ctx, req)
		if err != nil {
			// Client went away mid-request, nothing sensible to write.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status, kind := mapError(err)
			writeJSONError(w, status, err.Error(), kind)
			logRequestEnd(r, "generate end", status, time.Since(start), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logRequestEnd(r, "generate end", http.StatusOK, time.Since(start), nil)
	}
}

// handleDownload godoc
// @Summary Download a model artifact
// @Description Streams NDJSON progress lines. With ?async=1 the download
// @Description runs in the background and a 202 with an operation id is
// @Description returned instead.
// @Tags models
// @Produce json
// @Param id path string true "model id"
// @Param async query string false "run in the background"
// @Success 200 {object} types.DownloadProgress
// @Success 202 {object} types.DownloadAccepted
// @Failure 404 {object} types.ErrorResponse
// @Router /v1/models/{id}/download [post]
func handleDownload(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if r.URL.Query().Get("async") == "1" {
			acc, err := svc.DownloadAsync(id)
			if err != nil {
				status, kind := mapError(err)
				writeJSONError(w, status, err.Error(), kind)
				return
			}
			writeJSON(w, http.StatusAccepted, acc)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		wrote := false
		emit := func(p types.DownloadProgress) {
			wrote = true
			_ = enc.Encode(p)
			if flusher != nil {
				flusher.Flush()
			}
		}

		start := time.Now()
		logRequestStart(r, "download start", id)
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		err := svc.Download(ctx, id, func(done, total int64, pct float64) {
			emit(types.DownloadProgress{Model: id, BytesDone: done, BytesTotal: total, Percent: pct})
		})
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status, kind := mapError(err)
			if !wrote {
				// Headers not committed to a stream yet, fail properly.
				writeJSONError(w, status, err.Error(), kind)
			} else {
				emit(types.DownloadProgress{Model: id, Error: err.Error()})
			}
			logRequestEnd(r, "download end", status, time.Since(start), err)
			return
		}
		emit(types.DownloadProgress{Model: id, Percent: 100, Done: true})
		logRequestEnd(r, "download end", http.StatusOK, time.Since(start), nil)
	}
}

// handleRemoveModel godoc
// @Summary Remove a model from this device
// @Tags models
// @Produce json
// @Param id path string true "model id"
// @Success 204 "removed"
// @Failure 404 {object} types.ErrorResponse
// @Router /v1/models/{id} [delete]
func handleRemoveModel(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.RemoveModel(chi.URLParam(r, "id")); err != nil {
			status, kind := mapError(err)
			writeJSONError(w, status, err.Error(), kind)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handlePersistence godoc
// @Summary Ledger summary
// @Tags persistence
// @Produce json
// @Success 200 {object} types.PersistenceSummary
// @Router /v1/persistence [get]
func handlePersistence(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Persistence())
	}
}

// handlePersistenceFor godoc
// @Summary Ledger entry for one model
// @Tags persistence
// @Produce json
// @Param id path string true "model id"
// @Success 200 {object} types.PersistenceInfo
// @Failure 404 {object} types.ErrorResponse
// @Router /v1/persistence/{id} [get]
func handlePersistenceFor(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.PersistenceFor(chi.URLParam(r, "id"))
		if err != nil {
			status, kind := mapError(err)
			writeJSONError(w, status, err.Error(), kind)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// handlePersistenceCleanup godoc
// @Summary Drop ledger entries for deleted artifacts
// @Tags persistence
// @Produce json
// @Success 200 {object} map[string]int
// @Router /v1/persistence/cleanup [post]
func handlePersistenceCleanup(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, refs := svc.CleanupPersistence()
		writeJSON(w, http.StatusOK, map[string]int{
			"removed_entries":    entries,
			"removed_references": refs,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("response encode failed")
	}
}
