// Package service ties the catalog, locator, downloader, ledger and slot
// manager together behind the API the HTTP layer consumes.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
	"inferd/internal/download"
	"inferd/internal/ledger"
	"inferd/internal/locator"
	"inferd/internal/slot"
	"inferd/pkg/types"
)

// ErrInvalidRequest marks client-side input errors (maps to 400).
var ErrInvalidRequest = errors.New("invalid request")

// Capture supplies a live camera frame when a generation request asks for
// one without attaching an inline image. Nil means no capture device.
type Capture interface {
	CaptureImage(ctx context.Context) ([]byte, error)
}

// Config wires the service collaborators.
type Config struct {
	Slot         *slot.Manager
	Locator      *locator.Locator
	Ledger       *ledger.Ledger
	Downloader   *download.Downloader
	Capture      Capture
	Logger       zerolog.Logger
	DefaultModel string
}

// Service is the application facade used by the HTTP handlers.
type Service struct {
	slot         *slot.Manager
	loc          *locator.Locator
	led          *ledger.Ledger
	dl           *download.Downloader
	capture      Capture
	log          zerolog.Logger
	defaultModel string
	started      time.Time
	shuttingDown atomic.Bool
}

func New(cfg Config) *Service {
	return &Service{
		slot:         cfg.Slot,
		loc:          cfg.Locator,
		led:          cfg.Ledger,
		dl:           cfg.Downloader,
		capture:      cfg.Capture,
		log:          cfg.Logger,
		defaultModel: cfg.DefaultModel,
		started:      time.Now(),
	}
}

// resolve maps a request model id (possibly empty) to a catalog descriptor.
func (s *Service) resolve(id string) (catalog.Descriptor, error) {
	if id == "" {
		id = s.defaultModel
	}
	if id == "" {
		return catalog.Descriptor{}, fmt.Errorf("%w: no model specified and no default configured", ErrInvalidRequest)
	}
	desc, ok := catalog.ByID(id)
	if !ok {
		return catalog.Descriptor{}, slot.ErrModelNotFound(id)
	}
	return desc, nil
}

// ListModels returns the catalog with local availability. Models carrying a
// failure mark are excluded unless includeFailed is set.
func (s *Service) ListModels(includeFailed bool) types.ModelsResponse {
	available := make(map[string]bool)
	for _, d := range s.loc.ListAvailable(includeFailed) {
		available[d.ID] = true
	}
	all := catalog.All()
	views := make([]types.ModelView, 0, len(all))
	for _, d := range all {
		failed := s.led.IsFailed(d.ID)
		if failed && !includeFailed {
			continue
		}
		v := types.ModelView{
			ID:                 d.ID,
			DisplayName:        d.DisplayName,
			FileName:           d.FileName,
			SourceURL:          d.SourceURL,
			RequiresManualAuth: d.RequiresManualAuth,
			Multimodal:         d.SupportsMultimodalInput,
			PreferredBackend:   string(d.PreferredBackend),
			Failed:             failed,
		}
		if available[d.ID] {
			if path, ok := s.loc.Resolve(d); ok {
				v.Path = path
				if size, err := fsutil.ReadProbe(path); err == nil {
					v.SizeBytes = size
				}
			}
		}
		views = append(views, v)
	}
	return types.ModelsResponse{Models: views}
}

// Status reports the daemon view for GET /v1/status.
func (s *Service) Status() types.StatusResponse {
	snap := s.slot.Snapshot()
	now := time.Now()
	resp := types.StatusResponse{
		Enabled:         true,
		EngineBuilt:     slot.EngineBuilt(),
		DownloadedCount: len(s.loc.ListAvailable(true)),
		TotalCount:      catalog.Count(),
		CurrentModel:    snap.CurrentModel,
		SlotState:       string(snap.State),
		Processing:      snap.Processing,
		ModelLoading:    snap.Loading,
		LastError:       snap.LastError,
		UptimeSeconds:   int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix:  now.Unix(),
	}
	if snap.Processing {
		resp.ProcessingSince = snap.ProcessingSince.Unix()
	}
	if snap.Loading {
		resp.ModelLoadingSince = snap.LoadingSince.Unix()
	}
	return resp
}

// Generate serves one generation request end to end: descriptor resolution,
// image sourcing and validation, then slot admission and inference.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	if req.Prompt == "" {
		return types.GenerateResponse{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	desc, err := s.resolve(req.Model)
	if err != nil {
		return types.GenerateResponse{}, err
	}

	var image []byte
	switch {
	case req.Image != "":
		image, err = base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return types.GenerateResponse{}, fmt.Errorf("%w: image is not valid base64", ErrInvalidRequest)
		}
	case req.Capture == "camera":
		if s.capture == nil {
			return types.GenerateResponse{}, fmt.Errorf("%w: no capture device available", ErrInvalidRequest)
		}
		image, err = s.capture.CaptureImage(ctx)
		if err != nil {
			return types.GenerateResponse{}, fmt.Errorf("capture image: %w", err)
		}
	}
	if len(image) > 0 && !desc.SupportsMultimodalInput {
		return types.GenerateResponse{}, fmt.Errorf("%w: model %s does not accept image input", ErrInvalidRequest, desc.ID)
	}

	start := time.Now()
	out, err := s.slot.Generate(ctx, desc, slot.Input{
		Prompt:      req.Prompt,
		Image:       image,
		Temperature: req.Temperature,
		TopK:        req.TopK,
		TopP:        req.TopP,
	})
	if err != nil {
		return types.GenerateResponse{}, err
	}
	resp := types.GenerateResponse{
		Model:     desc.ID,
		Text:      out.Text,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	if req.ReturnImage && len(image) > 0 {
		resp.Image = base64.StdEncoding.EncodeToString(image)
	}
	return resp, nil
}

// Download fetches the model artifact, reporting progress via onProgress.
// A model whose artifact is already present completes without network IO.
func (s *Service) Download(ctx context.Context, id string, onProgress download.ProgressFunc) error {
	desc, err := s.resolve(id)
	if err != nil {
		return err
	}
	return s.dl.Download(ctx, desc, onProgress)
}

// DownloadAsync starts the download in the background and returns an
// operation id for log correlation.
func (s *Service) DownloadAsync(id string) (types.DownloadAccepted, error) {
	desc, err := s.resolve(id)
	if err != nil {
		return types.DownloadAccepted{}, err
	}
	opID := uuid.NewString()
	log := s.log.With().Str("op_id", opID).Str("model", desc.ID).Logger()
	go func() {
		err := s.dl.Download(context.Background(), desc, nil)
		if err != nil {
			log.Error().Err(err).Msg("background download failed")
			return
		}
		log.Info().Msg("background download finished")
	}()
	return types.DownloadAccepted{Model: desc.ID, OpID: opID}, nil
}

// RemoveModel deletes the model from this device: the slot is cleared if
// it holds the model, the reference records and the artifact are removed,
// and the ledger entry plus any failure mark are dropped.
func (s *Service) RemoveModel(id string) error {
	desc, err := s.resolve(id)
	if err != nil {
		return err
	}
	if s.slot.Snapshot().CurrentModel == desc.ID {
		if err := s.slot.Unload(); err != nil {
			return err
		}
	}
	path, resolved := s.loc.Resolve(desc)
	s.loc.RemoveReference(desc)
	if resolved {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("artifact removal failed")
		}
	}
	s.led.Remove(desc.ID)
	if err := s.led.ClearFailed(desc.ID); err != nil {
		s.log.Warn().Err(err).Str("model", desc.ID).Msg("failure mark clear failed")
	}
	s.log.Info().Str("model", desc.ID).Msg("model removed")
	return nil
}

// Persistence aggregates the ledger for GET /v1/persistence.
func (s *Service) Persistence() types.PersistenceSummary {
	st := s.led.Statistics()
	return types.PersistenceSummary{
		TotalModels:      st.TotalModels,
		DownloadedModels: st.DownloadedModels,
		LoadedModels:     st.LoadedModels,
		TotalSizeBytes:   st.TotalSizeBytes,
		OldestDownload:   unixOrZero(st.OldestDownload),
		NewestDownload:   unixOrZero(st.NewestDownload),
		LastAccessed:     unixOrZero(st.LastAccessed),
	}
}

// PersistenceFor returns the ledger entry for one model.
func (s *Service) PersistenceFor(id string) (types.PersistenceInfo, error) {
	desc, err := s.resolve(id)
	if err != nil {
		return types.PersistenceInfo{}, err
	}
	info, ok := s.led.Info(desc.ID)
	if !ok {
		info = ledger.ModelInfo{Status: ledger.StatusNotStarted}
	}
	return types.PersistenceInfo{
		Model:          desc.ID,
		DownloadPath:   info.DownloadPath,
		FileSize:       info.FileSize,
		DownloadedUnix: unixOrZero(info.DownloadedAt),
		AccessedUnix:   unixOrZero(info.AccessedAt),
		Loaded:         info.Loaded,
		Status:         string(info.Status),
		LastError:      info.LastError,
	}, nil
}

// CleanupPersistence drops ledger entries whose artifacts were deleted
// behind our back and removes stale reference records.
func (s *Service) CleanupPersistence() (entries, refs int) {
	return s.led.CleanupDeleted(), s.loc.CleanupStale()
}

// Ready reports whether the daemon accepts work.
func (s *Service) Ready() bool { return !s.shuttingDown.Load() }

// Shutdown unloads the resident model so native resources are released
// before the process exits.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.slot.Unload() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
