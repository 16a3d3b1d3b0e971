package locator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
)

// Watcher scans artifact volumes for model files that arrived outside the
// download pipeline (sideloaded, restored by the OS, copied manually) and
// creates indirection records for them.
type Watcher struct {
	loc  *Locator
	dirs []string
	log  zerolog.Logger
}

// NewWatcher builds a watcher over the given artifact directories.
func NewWatcher(loc *Locator, dirs []string, log zerolog.Logger) *Watcher {
	return &Watcher{loc: loc, dirs: dirs, log: log}
}

// Rescan walks every watched directory once and indexes any catalog artifact
// that is not yet resolvable. Returns the number of new references created.
func (w *Watcher) Rescan() int {
	created := 0
	for _, d := range catalog.All() {
		if _, ok := w.loc.Resolve(d); ok {
			continue
		}
		for _, dir := range w.dirs {
			p := filepath.Join(dir, d.FileName)
			if _, err := fsutil.ReadProbe(p); err != nil {
				continue
			}
			if transferInFlight(p) {
				continue
			}
			if err := w.loc.CreateReference(d, p); err != nil {
				w.log.Warn().Str("model", d.ID).Str("path", p).Err(err).
					Msg("scan found artifact but reference creation failed")
				continue
			}
			created++
			break
		}
	}
	return created
}

// transferInFlight reports whether a sibling ".part" file marks path as the
// destination of an unfinished transfer. The downloader renames the partial
// file into place on completion, so adoption waits for that rename.
func transferInFlight(path string) bool {
	_, err := os.Stat(path + fsutil.PartialSuffix)
	return err == nil
}

// Run performs an initial rescan, then watches the artifact directories and
// indexes matching files as they appear. Blocks until ctx is done. Watch
// setup failures degrade to the initial scan only; they are not fatal.
func (w *Watcher) Run(ctx context.Context) {
	if n := w.Rescan(); n > 0 {
		w.log.Info().Int("references", n).Msg("initial volume scan indexed artifacts")
	}
	if n := w.loc.MigrateReferences(); n > 0 {
		w.log.Info().Int("references", n).Msg("migrated records to more persistent volumes")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("fsnotify unavailable, volume watch disabled")
		<-ctx.Done()
		return
	}
	defer fw.Close()

	watching := 0
	for _, dir := range w.dirs {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.log.Warn().Str("dir", dir).Err(err).Msg("volume watch failed")
			continue
		}
		watching++
	}
	if watching == 0 {
		<-ctx.Done()
		return
	}

	byName := make(map[string]catalog.Descriptor)
	for _, d := range catalog.All() {
		byName[d.FileName] = d
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			d, known := byName[filepath.Base(ev.Name)]
			if !known {
				continue
			}
			if _, resolved := w.loc.Resolve(d); resolved {
				continue
			}
			if _, err := fsutil.ReadProbe(ev.Name); err != nil {
				// Partial write; a later Write event will retry.
				continue
			}
			if transferInFlight(ev.Name) {
				continue
			}
			if err := w.loc.CreateReference(d, ev.Name); err != nil {
				w.log.Warn().Str("model", d.ID).Err(err).Msg("watch reference creation failed")
				continue
			}
			w.log.Info().Str("model", d.ID).Str("path", ev.Name).Msg("artifact appeared on volume")
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("volume watch error")
		}
	}
}
