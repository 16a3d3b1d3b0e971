package ledger

import (
	"encoding/json"
	"path/filepath"
	"sort"

	"inferd/internal/common/fsutil"
)

// The failure mark set is a persisted denylist of descriptor ids that failed
// to load or failed a smoke-test inference. Marked models are excluded from
// default discovery until a successful retest clears them.

func (l *Ledger) persistFailedLocked() error {
	ids := make([]string, 0, len(l.failed))
	for id := range l.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(filepath.Join(l.dir, failuresFile), b, 0o644)
}

// MarkFailed adds id to the failure set.
func (l *Ledger) MarkFailed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed[id] {
		return nil
	}
	l.failed[id] = true
	return l.persistFailedLocked()
}

// ClearFailed removes id from the failure set.
func (l *Ledger) ClearFailed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.failed[id] {
		return nil
	}
	delete(l.failed, id)
	return l.persistFailedLocked()
}

// IsFailed reports whether id is quarantined.
func (l *Ledger) IsFailed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed[id]
}

// FailedIDs returns the sorted quarantined ids.
func (l *Ledger) FailedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.failed))
	for id := range l.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
