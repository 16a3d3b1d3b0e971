package locator

import (
	"os"
	"path/filepath"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
)

// CleanupStale removes indirection records whose target no longer passes
// validation. This is the lazy companion to Resolve, which only skips stale
// records. Returns how many records were deleted.
func (l *Locator) CleanupStale() int {
	removed := 0
	for _, d := range catalog.All() {
		for _, v := range l.vols {
			target, ok := v.TryRead(d.FileName)
			if !ok {
				continue
			}
			if _, err := fsutil.ReadProbe(target); err == nil {
				continue
			}
			p := filepath.Join(v.Dir, d.FileName+refSuffix)
			if err := os.Remove(p); err == nil {
				removed++
				l.log.Info().Str("model", d.ID).Str("volume", v.Label).
					Str("target", target).Msg("stale reference removed")
			}
		}
	}
	return removed
}

// MigrateReferences opportunistically promotes records into more persistent
// volumes. For each descriptor whose best valid record sits below a writable
// higher-priority volume, the record is rewritten there and the lower copy
// removed. Returns the number of promoted records.
func (l *Locator) MigrateReferences() int {
	promoted := 0
	for _, d := range catalog.All() {
		cur := -1
		var target string
		for i, v := range l.vols {
			t, ok := v.TryRead(d.FileName)
			if !ok {
				continue
			}
			if _, err := fsutil.ReadProbe(t); err != nil {
				continue
			}
			cur, target = i, t
			break
		}
		if cur <= 0 {
			continue
		}
		for i := 0; i < cur; i++ {
			v := l.vols[i]
			if err := v.TryWrite(); err != nil {
				continue
			}
			p := filepath.Join(v.Dir, d.FileName+refSuffix)
			if err := os.WriteFile(p, []byte(target+"\n"), 0o644); err != nil {
				continue
			}
			// Drop the lower-priority copy only after the promoted record
			// is in place; a failure here leaves a harmless duplicate.
			old := filepath.Join(l.vols[cur].Dir, d.FileName+refSuffix)
			_ = os.Remove(old)
			promoted++
			l.log.Info().Str("model", d.ID).
				Str("from", l.vols[cur].Label).Str("to", v.Label).
				Msg("reference promoted")
			break
		}
	}
	return promoted
}
