// Package locator maps model descriptors to artifact paths without owning
// the bytes. Artifacts live wherever storage policy put them; the locator
// keeps small indirection records (pointer files) in a ranked list of
// candidate directories and validates the pointed-to file with a real read
// before trusting it.
package locator

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
	"inferd/internal/ledger"
)

// refSuffix is appended to a descriptor's filename to name its record.
const refSuffix = ".ref"

// ErrNoWritableVolume is returned when every candidate directory fails the
// write probe.
var ErrNoWritableVolume = errors.New("locator: no writable reference volume")

// ErrReferenceNotResolved is returned when a freshly written reference does
// not resolve back to the path it names.
var ErrReferenceNotResolved = errors.New("locator: written reference did not resolve")

// Volume is one candidate reference directory. Volumes are ordered by
// persistence: the first volume survives the longest but may not be
// writable, the last is reliably writable but may be wiped by the OS.
type Volume struct {
	Dir   string
	Label string
}

// TryRead reads the indirection record for fileName from this volume.
// Returns the recorded target path, or ok=false when no usable record is
// present.
func (v Volume) TryRead(fileName string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(v.Dir, fileName+refSuffix))
	if err != nil {
		return "", false
	}
	target := strings.TrimSpace(string(b))
	if target == "" || !filepath.IsAbs(target) {
		return "", false
	}
	return target, true
}

// TryWrite probes the volume with a real create-write-delete cycle.
func (v Volume) TryWrite() error {
	return fsutil.WriteProbe(v.Dir)
}

// Locator resolves descriptors against a fixed, ranked volume list.
type Locator struct {
	vols []Volume
	led  *ledger.Ledger
	log  zerolog.Logger
}

// New builds a Locator over the given volumes, most persistent first.
func New(vols []Volume, led *ledger.Ledger, log zerolog.Logger) *Locator {
	return &Locator{vols: vols, led: led, log: log}
}

// Volumes returns the candidate volumes in priority order.
func (l *Locator) Volumes() []Volume {
	out := make([]Volume, len(l.vols))
	copy(out, l.vols)
	return out
}

// Resolve searches every candidate volume for a valid indirection record for
// desc and returns the first target that passes the byte-read validation.
// All volumes are scanned before concluding NotFound; a stale record never
// aborts the search and is left in place (cleanup is a separate pass, never
// part of read-only discovery).
func (l *Locator) Resolve(desc catalog.Descriptor) (string, bool) {
	for _, v := range l.vols {
		target, ok := v.TryRead(desc.FileName)
		if !ok {
			continue
		}
		if _, err := fsutil.ReadProbe(target); err != nil {
			l.log.Debug().Str("model", desc.ID).Str("volume", v.Label).
				Str("target", target).Err(err).Msg("stale reference ignored")
			continue
		}
		return target, true
	}
	return "", false
}

// CreateReference writes an indirection record naming actualPath into the
// highest-priority volume that passes the write probe, then re-resolves as a
// consistency check. The write is the final step: if the written record does
// not resolve to actualPath, the call failed.
func (l *Locator) CreateReference(desc catalog.Descriptor, actualPath string) error {
	if !filepath.IsAbs(actualPath) {
		abs, err := filepath.Abs(actualPath)
		if err != nil {
			return err
		}
		actualPath = abs
	}
	if _, err := fsutil.ReadProbe(actualPath); err != nil {
		return err
	}
	wrote := false
	for _, v := range l.vols {
		if err := v.TryWrite(); err != nil {
			l.log.Debug().Str("volume", v.Label).Err(err).Msg("reference volume not writable")
			continue
		}
		p := filepath.Join(v.Dir, desc.FileName+refSuffix)
		if err := os.WriteFile(p, []byte(actualPath+"\n"), 0o644); err != nil {
			// The probe passed moments ago; treat as a fallthrough, not fatal.
			l.log.Warn().Str("volume", v.Label).Err(err).Msg("reference write failed")
			continue
		}
		wrote = true
		l.log.Info().Str("model", desc.ID).Str("volume", v.Label).Str("target", actualPath).
			Msg("reference created")
		break
	}
	if !wrote {
		return ErrNoWritableVolume
	}
	got, ok := l.Resolve(desc)
	if !ok || got != actualPath {
		return ErrReferenceNotResolved
	}
	return nil
}

// RemoveReference deletes the record for desc from every volume. Reports
// whether at least one record was removed.
func (l *Locator) RemoveReference(desc catalog.Descriptor) bool {
	removed := false
	for _, v := range l.vols {
		p := filepath.Join(v.Dir, desc.FileName+refSuffix)
		if err := os.Remove(p); err == nil {
			removed = true
		}
	}
	return removed
}

// ListAvailable cross-references the catalog, the failure mark set and
// Resolve, returning the resolvable descriptors sorted by display name.
// Quarantined models are excluded unless includeFailed is set.
func (l *Locator) ListAvailable(includeFailed bool) []catalog.Descriptor {
	seen := make(map[string]bool)
	var out []catalog.Descriptor
	for _, d := range catalog.All() {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if !includeFailed && l.led.IsFailed(d.ID) {
			continue
		}
		if _, ok := l.Resolve(d); !ok {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}
