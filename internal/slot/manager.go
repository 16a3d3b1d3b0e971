// Package slot holds the single-slot model cache: at most one inference
// handle is live at any time. Transitions are serialized; a switch tears
// the old handle down before the new one is constructed, and a construction
// that exceeds its timeout is abandoned, never retained.
package slot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
	"inferd/internal/ledger"
	"inferd/internal/locator"
)

// Manager owns the model slot.
type Manager struct {
	// mu serializes slot transitions: only one load/unload may be in
	// flight at a time. Requests arriving mid-transition block here and
	// re-evaluate once the transition finishes.
	mu sync.Mutex

	// st guards the observable fields below.
	st       sync.RWMutex
	state    State
	cur      *catalog.Descriptor
	handle   Handle
	loadedAt time.Time
	lastErr  string

	processing      bool
	processingSince time.Time
	loading         bool
	loadingSince    time.Time

	// genCh is the single in-flight inference gate. A switch drains it
	// before closing the old handle, which is what serializes model
	// switches against in-flight inference.
	genCh chan struct{}

	engine Engine
	loc    *locator.Locator
	led    *ledger.Ledger
	pub    EventPublisher
	log    zerolog.Logger

	loadTimeout  time.Duration
	inferTimeout time.Duration
	maxWait      time.Duration
	drainTimeout time.Duration
}

type loadResult struct {
	h   Handle
	err error
}

// Snapshot returns a read-only view of the slot state.
func (m *Manager) Snapshot() Snapshot {
	m.st.RLock()
	defer m.st.RUnlock()
	s := Snapshot{
		State:           m.state,
		LoadedAt:        m.loadedAt,
		LastError:       m.lastErr,
		Processing:      m.processing,
		ProcessingSince: m.processingSince,
		Loading:         m.loading,
		LoadingSince:    m.loadingSince,
	}
	if m.cur != nil {
		s.CurrentModel = m.cur.ID
	}
	return s
}

// Ready reports whether a handle is resident.
func (m *Manager) Ready() bool {
	m.st.RLock()
	defer m.st.RUnlock()
	return m.state == StateReady && m.handle != nil
}

// Ensure makes desc the resident model. A request for the already-resident
// descriptor is a no-op fast path; anything else unloads the old handle
// first, re-validates the artifact through the locator, and constructs the
// new handle under the load timeout.
func (m *Manager) Ensure(ctx context.Context, desc catalog.Descriptor) error {
	if m.isCurrent(desc.ID) {
		if err := m.led.Touch(desc.ID); err != nil {
			m.log.Error().Err(err).Str("model", desc.ID).Msg("ledger touch failed")
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-evaluate after waiting out a concurrent transition.
	if m.isCurrent(desc.ID) {
		return nil
	}

	if m.currentHandle() != nil {
		if err := m.unloadLocked(); err != nil {
			return err
		}
	}

	// The artifact may have been evicted or deleted since download time;
	// never enter LOADING on a stale reference.
	path, ok := m.loc.Resolve(desc)
	if !ok {
		return newError(KindModelUnavailable, "no valid reference resolves", nil,
			"model", desc.ID)
	}
	size, err := fsutil.ReadProbe(path)
	if err != nil {
		return newError(KindModelUnavailable, "artifact failed validation", err,
			"model", desc.ID, "path", path)
	}

	return m.loadLocked(ctx, desc, path, size)
}

// loadLocked runs the LOADING transition. Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context, desc catalog.Descriptor, path string, size int64) error {
	m.setLoading(true)
	defer m.setLoading(false)
	m.pub.Publish(Event{Name: "load_start", ModelID: desc.ID, Fields: map[string]any{"path": path}})
	m.log.Info().Str("model", desc.ID).Str("path", path).Int64("size", size).Msg("model load start")

	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	ch := make(chan loadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- loadResult{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		h, err := m.engine.Load(lctx, path, LoadOptions{
			Backend:    desc.PreferredBackend,
			Multimodal: desc.SupportsMultimodalInput,
		})
		ch <- loadResult{h: h, err: err}
	}()

	select {
	case res := <-ch:
		elapsed := time.Since(start)
		if res.err != nil {
			return m.failLoadLocked(desc, path, size, elapsed, res.err)
		}
		m.st.Lock()
		d := desc
		m.cur = &d
		m.handle = res.h
		m.loadedAt = time.Now()
		m.state = StateReady
		m.lastErr = ""
		m.st.Unlock()
		if err := m.led.RecordLoaded(desc.ID); err != nil {
			m.log.Error().Err(err).Str("model", desc.ID).Msg("ledger write failed")
		}
		// A load that succeeds is the retest that lifts quarantine.
		if err := m.led.ClearFailed(desc.ID); err != nil {
			m.log.Error().Err(err).Str("model", desc.ID).Msg("failure mark clear failed")
		}
		loadsTotal.Inc()
		m.pub.Publish(Event{Name: "load_ready", ModelID: desc.ID,
			Fields: map[string]any{"dur_ms": elapsed.Milliseconds()}})
		m.log.Info().Str("model", desc.ID).Dur("dur", elapsed).Msg("model load ready")
		return nil

	case <-lctx.Done():
		elapsed := time.Since(start)
		// The construction is abandoned: the handle from a cancelled
		// attempt is never retained. If it surfaces late, close it.
		go func() {
			if res := <-ch; res.h != nil {
				_ = res.h.Close()
			}
		}()
		cause := lctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return m.failLoadLocked(desc, path, size, elapsed,
				newError(KindModelLoadTimeout, "load exceeded timeout", cause,
					"timeout", m.loadTimeout.String()))
		}
		return m.failLoadLocked(desc, path, size, elapsed, cause)
	}
}

// failLoadLocked finalizes a failed LOADING transition with full
// diagnostics and a persisted failure mark. Caller holds m.mu.
func (m *Manager) failLoadLocked(desc catalog.Descriptor, path string, size int64, elapsed time.Duration, cause error) error {
	kind := KindModelLoadFailed
	if k := KindOf(cause); k != "" {
		kind = k
	} else if looksLikeOOM(cause) {
		kind = KindOutOfResources
	}
	err := newError(kind, "model load failed", cause,
		"model", desc.ID,
		"path", path,
		"size", size,
		"readable", true,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	// Keep the outer kind even when the cause was already structured.
	if structured, ok := cause.(*Error); ok {
		err.Err = structured.Err
		for k, v := range structured.Context {
			err.Context[k] = v
		}
	}

	m.st.Lock()
	m.state = StateFailed
	m.cur = nil
	m.handle = nil
	m.lastErr = err.Error()
	m.st.Unlock()

	if merr := m.led.MarkFailed(desc.ID); merr != nil {
		m.log.Error().Err(merr).Str("model", desc.ID).Msg("failure mark persist failed")
	}
	loadFailuresTotal.WithLabelValues(string(kind)).Inc()
	m.pub.Publish(Event{Name: "load_failed", ModelID: desc.ID,
		Fields: map[string]any{"kind": string(kind), "dur_ms": elapsed.Milliseconds()}})
	m.log.Error().Err(err).Str("model", desc.ID).Msg("model load failed")
	return err
}

// Unload tears down the resident handle, leaving the slot EMPTY.
func (m *Manager) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentHandle() == nil {
		m.st.Lock()
		m.state = StateEmpty
		m.cur = nil
		m.st.Unlock()
		return nil
	}
	return m.unloadLocked()
}

// unloadLocked drains in-flight inference, closes the handle and records
// the unload. Caller holds m.mu.
func (m *Manager) unloadLocked() error {
	id := ""
	m.st.RLock()
	if m.cur != nil {
		id = m.cur.ID
	}
	m.st.RUnlock()
	m.pub.Publish(Event{Name: "unload_start", ModelID: id, Fields: map[string]any{}})

	// Wait for the in-flight inference to finish; a switch never closes
	// a handle out from under a running generation.
	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case m.genCh <- struct{}{}:
	case <-timer.C:
		m.pub.Publish(Event{Name: "unload_timeout", ModelID: id, Fields: map[string]any{}})
		return tooBusyError{modelID: id}
	}
	defer func() { <-m.genCh }()

	m.st.Lock()
	h := m.handle
	m.handle = nil
	m.cur = nil
	m.loadedAt = time.Time{}
	m.state = StateEmpty
	m.st.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			m.log.Warn().Err(err).Str("model", id).Msg("handle close failed")
		}
	}
	if id != "" {
		if err := m.led.RecordUnloaded(id); err != nil {
			m.log.Error().Err(err).Str("model", id).Msg("ledger write failed")
		}
	}
	unloadsTotal.Inc()
	m.pub.Publish(Event{Name: "unload_done", ModelID: id, Fields: map[string]any{}})
	m.log.Info().Str("model", id).Msg("model unloaded")
	return nil
}

// Generate runs one inference against desc, loading it first if needed.
func (m *Manager) Generate(ctx context.Context, desc catalog.Descriptor, in Input) (Output, error) {
	// A switch can land between Ensure and gate acquisition; re-evaluate
	// once before reporting busy.
	for attempt := 0; attempt < 2; attempt++ {
		if err := m.Ensure(ctx, desc); err != nil {
			return Output{}, err
		}
		release, err := m.acquireGate(ctx, desc.ID)
		if err != nil {
			return Output{}, err
		}
		m.st.RLock()
		h := m.handle
		current := m.cur != nil && m.cur.ID == desc.ID
		m.st.RUnlock()
		if !current || h == nil {
			release()
			continue
		}
		out, err := m.runInference(ctx, desc, h, in)
		release()
		return out, err
	}
	return Output{}, tooBusyError{modelID: desc.ID}
}

func (m *Manager) runInference(ctx context.Context, desc catalog.Descriptor, h Handle, in Input) (Output, error) {
	m.setProcessing(true)
	defer m.setProcessing(false)

	start := time.Now()
	ictx, cancel := context.WithTimeout(ctx, m.inferTimeout)
	defer cancel()

	type inferResult struct {
		out Output
		err error
	}
	ch := make(chan inferResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- inferResult{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		out, err := h.Infer(ictx, in)
		ch <- inferResult{out: out, err: err}
	}()

	var res inferResult
	select {
	case res = <-ch:
	case <-ictx.Done():
		// Stop waiting on an engine that ignores cancellation; reap the
		// result whenever it arrives.
		go func() { <-ch }()
		res = inferResult{err: ictx.Err()}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		kind := KindInferenceFailed
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			kind = KindInferenceTimeout
		case looksLikeOOM(res.err):
			kind = KindOutOfResources
		}
		inferenceFailuresTotal.WithLabelValues(string(kind)).Inc()
		m.pub.Publish(Event{Name: "infer_failed", ModelID: desc.ID,
			Fields: map[string]any{"kind": string(kind), "dur_ms": elapsed.Milliseconds()}})
		// Engine failures quarantine the model so default discovery skips
		// it; timeouts and client cancellations do not.
		if kind != KindInferenceTimeout && !errors.Is(res.err, context.Canceled) {
			if lerr := m.led.RecordInferenceFailed(desc.ID, res.err.Error()); lerr != nil {
				m.log.Error().Err(lerr).Str("model", desc.ID).Msg("ledger write failed")
			}
			if merr := m.led.MarkFailed(desc.ID); merr != nil {
				m.log.Error().Err(merr).Str("model", desc.ID).Msg("failure mark write failed")
			}
		}
		return Output{}, newError(kind, "inference failed", res.err,
			"model", desc.ID, "elapsed_ms", elapsed.Milliseconds())
	}

	inferenceDuration.Observe(elapsed.Seconds())
	if err := m.led.Touch(desc.ID); err != nil {
		m.log.Error().Err(err).Str("model", desc.ID).Msg("ledger touch failed")
	}
	m.log.Info().Str("model", desc.ID).Dur("dur", elapsed).Msg("inference done")
	return res.out, nil
}

// acquireGate reserves the single in-flight inference slot.
// Returns a release func to be deferred.
func (m *Manager) acquireGate(ctx context.Context, modelID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case m.genCh <- struct{}{}:
		return func() { <-m.genCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{modelID: modelID}
	}
}

// isCurrent reports the READY-same-descriptor fast path.
func (m *Manager) isCurrent(id string) bool {
	m.st.RLock()
	defer m.st.RUnlock()
	return m.state == StateReady && m.handle != nil && m.cur != nil && m.cur.ID == id
}

func (m *Manager) currentHandle() Handle {
	m.st.RLock()
	defer m.st.RUnlock()
	return m.handle
}

func (m *Manager) setLoading(v bool) {
	m.st.Lock()
	defer m.st.Unlock()
	m.loading = v
	if v {
		m.loadingSince = time.Now()
		m.state = StateLoading
	} else {
		m.loadingSince = time.Time{}
	}
}

func (m *Manager) setProcessing(v bool) {
	m.st.Lock()
	defer m.st.Unlock()
	m.processing = v
	if v {
		m.processingSince = time.Now()
	} else {
		m.processingSince = time.Time{}
	}
}

// Processing reports the advisory inference-in-flight flag and its start.
func (m *Manager) Processing() (bool, time.Time) {
	m.st.RLock()
	defer m.st.RUnlock()
	return m.processing, m.processingSince
}

// ModelLoading reports the advisory transition-in-flight flag and its start.
func (m *Manager) ModelLoading() (bool, time.Time) {
	m.st.RLock()
	defer m.st.RUnlock()
	return m.loading, m.loadingSince
}

// looksLikeOOM detects native allocation failures so they can be reported
// as resource exhaustion instead of a generic failure.
func looksLikeOOM(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "out of memory") ||
		strings.Contains(s, "oom") ||
		strings.Contains(s, "cannot allocate") ||
		strings.Contains(s, "alloc failed")
}
