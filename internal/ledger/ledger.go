// Package ledger is the durable metadata store tracking the download/load
// lifecycle of every model. Every mutation is written through to disk
// synchronously so a crash leaves the store consistent with the last
// completed operation, never ahead of it.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
)

// Status is the download lifecycle state of a model.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ModelInfo is the persisted entry for one model, keyed by descriptor id.
type ModelInfo struct {
	DownloadPath string    `json:"download_path,omitempty"`
	FileSize     int64     `json:"file_size,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
	AccessedAt   time.Time `json:"last_accessed_at,omitempty"`
	Loaded       bool      `json:"loaded"`
	Status       Status    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
}

// Stats aggregates the ledger for diagnostics.
type Stats struct {
	TotalModels      int
	DownloadedModels int
	LoadedModels     int
	TotalSizeBytes   int64
	OldestDownload   time.Time
	NewestDownload   time.Time
	LastAccessed     time.Time
}

const (
	entriesFile  = "ledger.json"
	failuresFile = "failed.json"
)

// Ledger is the durable per-model metadata store plus the failure mark set.
type Ledger struct {
	mu      sync.Mutex
	dir     string
	entries map[string]ModelInfo
	failed  map[string]bool
	log     zerolog.Logger
}

// Open loads (or initializes) the ledger files under dir.
func Open(dir string, log zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger dir: %w", err)
	}
	l := &Ledger{
		dir:     dir,
		entries: make(map[string]ModelInfo),
		failed:  make(map[string]bool),
		log:     log,
	}
	if b, err := os.ReadFile(filepath.Join(dir, entriesFile)); err == nil {
		if err := json.Unmarshal(b, &l.entries); err != nil {
			// A corrupt ledger is recoverable state, not a fatal condition.
			log.Warn().Err(err).Msg("ledger file unreadable, starting empty")
			l.entries = make(map[string]ModelInfo)
		}
	}
	if b, err := os.ReadFile(filepath.Join(dir, failuresFile)); err == nil {
		var ids []string
		if err := json.Unmarshal(b, &ids); err == nil {
			for _, id := range ids {
				l.failed[id] = true
			}
		}
	}
	return l, nil
}

// mutate applies fn to the entry for id and writes the store through to disk
// before returning. Caller gets the persistence error, if any.
func (l *Ledger) mutate(id string, fn func(*ModelInfo)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[id]
	if e.Status == "" {
		e.Status = StatusNotStarted
	}
	fn(&e)
	l.entries[id] = e
	return l.persistEntriesLocked()
}

func (l *Ledger) persistEntriesLocked() error {
	b, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(filepath.Join(l.dir, entriesFile), b, 0o644)
}

// RecordDownloadStarted notes a download transition with the expected size.
func (l *Ledger) RecordDownloadStarted(id, path string, expectedSize int64) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.DownloadPath = path
		e.FileSize = expectedSize
		e.Status = StatusInProgress
		e.LastError = ""
	})
}

// RecordDownloadCompleted notes a completed download with the final size.
func (l *Ledger) RecordDownloadCompleted(id, path string, size int64) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.DownloadPath = path
		e.FileSize = size
		e.DownloadedAt = time.Now()
		e.Status = StatusCompleted
		e.LastError = ""
	})
}

// RecordDownloadFailed notes a failed download with its error message.
func (l *Ledger) RecordDownloadFailed(id, msg string) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.Status = StatusFailed
		e.LastError = msg
	})
}

// RecordInferenceFailed notes an inference failure against id. The download
// status is left untouched; only LastError changes.
func (l *Ledger) RecordInferenceFailed(id, msg string) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.LastError = msg
	})
}

// RecordLoaded marks id as resident in the slot.
func (l *Ledger) RecordLoaded(id string) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.Loaded = true
		e.AccessedAt = time.Now()
	})
}

// RecordUnloaded marks id as no longer resident.
func (l *Ledger) RecordUnloaded(id string) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.Loaded = false
	})
}

// Touch refreshes the last-accessed timestamp for id.
func (l *Ledger) Touch(id string) error {
	return l.mutate(id, func(e *ModelInfo) {
		e.AccessedAt = time.Now()
	})
}

// Info returns the entry for id, if present.
func (l *Ledger) Info(id string) (ModelInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return e, ok
}

// AllInfo returns a copy of every entry.
func (l *Ledger) AllInfo() map[string]ModelInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ModelInfo, len(l.entries))
	for id, e := range l.entries {
		out[id] = e
	}
	return out
}

// Remove drops the entry for id (explicit model deletion).
func (l *Ledger) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	if err := l.persistEntriesLocked(); err != nil {
		l.log.Error().Err(err).Str("model", id).Msg("ledger persist after remove")
	}
	return true
}

// CleanupDeleted drops entries whose backing file is verifiably absent and
// returns how many were removed. Entries whose file merely fails a stat for
// transient reasons are kept.
func (l *Ledger) CleanupDeleted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.entries {
		if e.DownloadPath == "" {
			continue
		}
		if _, err := os.Stat(e.DownloadPath); err != nil && os.IsNotExist(err) {
			delete(l.entries, id)
			removed++
		}
	}
	if removed > 0 {
		if err := l.persistEntriesLocked(); err != nil {
			l.log.Error().Err(err).Msg("ledger persist after cleanup")
		}
	}
	return removed
}

// Statistics aggregates the current entries.
func (l *Ledger) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{TotalModels: len(l.entries)}
	for _, e := range l.entries {
		if e.Status == StatusCompleted {
			s.DownloadedModels++
			s.TotalSizeBytes += e.FileSize
			if s.OldestDownload.IsZero() || e.DownloadedAt.Before(s.OldestDownload) {
				s.OldestDownload = e.DownloadedAt
			}
			if e.DownloadedAt.After(s.NewestDownload) {
				s.NewestDownload = e.DownloadedAt
			}
		}
		if e.Loaded {
			s.LoadedModels++
		}
		if e.AccessedAt.After(s.LastAccessed) {
			s.LastAccessed = e.AccessedAt
		}
	}
	return s
}
