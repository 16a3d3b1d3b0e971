package locator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
	"inferd/internal/ledger"
)

func testDesc() catalog.Descriptor {
	d, ok := catalog.ByID("gemma-2b-it-cpu-int4")
	if !ok {
		panic("catalog fixture missing")
	}
	return d
}

func newTestLocator(t *testing.T, vols ...Volume) (*Locator, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return New(vols, led, zerolog.Nop()), led
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("model-bytes"), 0o644))
	return p
}

func TestCreateReferenceResolveRoundTrip(t *testing.T) {
	refs := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	require.NoError(t, loc.CreateReference(desc, artifact))
	got, ok := loc.Resolve(desc)
	require.True(t, ok)
	require.Equal(t, artifact, got)
}

func TestResolveScansAllVolumes(t *testing.T) {
	v1 := t.TempDir()
	v2 := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: v1, Label: "v1"}, Volume{Dir: v2, Label: "v2"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	// v1 holds a stale record pointing nowhere, v2 the valid one.
	require.NoError(t, os.WriteFile(filepath.Join(v1, desc.FileName+refSuffix), []byte("/no/such/file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(v2, desc.FileName+refSuffix), []byte(artifact+"\n"), 0o644))

	got, ok := loc.Resolve(desc)
	require.True(t, ok)
	require.Equal(t, artifact, got)

	// Read-only discovery must leave the stale record in place.
	_, err := os.Stat(filepath.Join(v1, desc.FileName+refSuffix))
	require.NoError(t, err)
}

func TestResolveStaleTargetIsNotFound(t *testing.T) {
	refs := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)
	require.NoError(t, loc.CreateReference(desc, artifact))

	require.NoError(t, os.Remove(artifact))
	_, ok := loc.Resolve(desc)
	require.False(t, ok)
}

func TestResolveRejectsEmptyTarget(t *testing.T) {
	refs := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()

	empty := filepath.Join(t.TempDir(), desc.FileName)
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(refs, desc.FileName+refSuffix), []byte(empty+"\n"), 0o644))

	_, ok := loc.Resolve(desc)
	require.False(t, ok)
}

func TestCreateReferenceFallsThroughUnwritableVolume(t *testing.T) {
	// A regular file used as a "directory" fails the write probe the same
	// way an unwritable mount does.
	tmp := t.TempDir()
	notADir := filepath.Join(tmp, "blocked")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))
	writable := t.TempDir()

	loc, _ := newTestLocator(t, Volume{Dir: notADir, Label: "blocked"}, Volume{Dir: writable, Label: "fallback"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	require.NoError(t, loc.CreateReference(desc, artifact))
	_, err := os.Stat(filepath.Join(writable, desc.FileName+refSuffix))
	require.NoError(t, err)
}

func TestCreateReferenceAllVolumesUnwritable(t *testing.T) {
	tmp := t.TempDir()
	blocked := filepath.Join(tmp, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	loc, _ := newTestLocator(t, Volume{Dir: blocked, Label: "blocked"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	err := loc.CreateReference(desc, artifact)
	require.ErrorIs(t, err, ErrNoWritableVolume)
}

func TestCreateReferenceValidatesTargetFirst(t *testing.T) {
	loc, _ := newTestLocator(t, Volume{Dir: t.TempDir(), Label: "primary"})
	err := loc.CreateReference(testDesc(), filepath.Join(t.TempDir(), "missing.task"))
	require.Error(t, err)
}

func TestRemoveReference(t *testing.T) {
	v1 := t.TempDir()
	v2 := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: v1, Label: "v1"}, Volume{Dir: v2, Label: "v2"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	require.NoError(t, os.WriteFile(filepath.Join(v1, desc.FileName+refSuffix), []byte(artifact+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(v2, desc.FileName+refSuffix), []byte(artifact+"\n"), 0o644))

	require.True(t, loc.RemoveReference(desc))
	_, ok := loc.Resolve(desc)
	require.False(t, ok)
	require.False(t, loc.RemoveReference(desc))
}

func TestListAvailableFailureExclusion(t *testing.T) {
	refs := t.TempDir()
	loc, led := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)
	require.NoError(t, loc.CreateReference(desc, artifact))

	ids := func(list []catalog.Descriptor) []string {
		var out []string
		for _, d := range list {
			out = append(out, d.ID)
		}
		return out
	}

	require.Contains(t, ids(loc.ListAvailable(false)), desc.ID)

	require.NoError(t, led.MarkFailed(desc.ID))
	require.NotContains(t, ids(loc.ListAvailable(false)), desc.ID)
	require.Contains(t, ids(loc.ListAvailable(true)), desc.ID)

	require.NoError(t, led.ClearFailed(desc.ID))
	require.Contains(t, ids(loc.ListAvailable(false)), desc.ID)
}

func TestListAvailableOmitsUnresolvable(t *testing.T) {
	refs := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	// Record pointing at a deleted file: discovery must omit, not fail.
	require.NoError(t, os.WriteFile(filepath.Join(refs, desc.FileName+refSuffix), []byte("/gone/file\n"), 0o644))
	for _, d := range loc.ListAvailable(false) {
		require.NotEqual(t, desc.ID, d.ID)
	}
}

func TestCleanupStale(t *testing.T) {
	refs := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	require.NoError(t, os.WriteFile(filepath.Join(refs, desc.FileName+refSuffix), []byte("/gone/file\n"), 0o644))

	require.Equal(t, 1, loc.CleanupStale())
	_, err := os.Stat(filepath.Join(refs, desc.FileName+refSuffix))
	require.True(t, os.IsNotExist(err))
}

func TestMigrateReferencesPromotes(t *testing.T) {
	primary := t.TempDir()
	fallback := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: primary, Label: "primary"}, Volume{Dir: fallback, Label: "fallback"})
	desc := testDesc()
	artifact := writeArtifact(t, t.TempDir(), desc.FileName)

	// Only the fallback volume holds a record.
	require.NoError(t, os.WriteFile(filepath.Join(fallback, desc.FileName+refSuffix), []byte(artifact+"\n"), 0o644))

	require.Equal(t, 1, loc.MigrateReferences())
	got, ok := Volume{Dir: primary}.TryRead(desc.FileName)
	require.True(t, ok)
	require.Equal(t, artifact, got)
	_, err := os.Stat(filepath.Join(fallback, desc.FileName+refSuffix))
	require.True(t, os.IsNotExist(err))

	// Second pass is a no-op.
	require.Equal(t, 0, loc.MigrateReferences())
}

func TestWatcherRescan(t *testing.T) {
	refs := t.TempDir()
	artifacts := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	writeArtifact(t, artifacts, desc.FileName)

	w := NewWatcher(loc, []string{artifacts}, zerolog.Nop())
	require.Equal(t, 1, w.Rescan())
	got, ok := loc.Resolve(desc)
	require.True(t, ok)
	require.Equal(t, filepath.Join(artifacts, desc.FileName), got)

	// Already indexed: nothing new.
	require.Equal(t, 0, w.Rescan())
}

func TestWatcherSkipsInFlightTransfers(t *testing.T) {
	refs := t.TempDir()
	artifacts := t.TempDir()
	loc, _ := newTestLocator(t, Volume{Dir: refs, Label: "primary"})
	desc := testDesc()
	p := writeArtifact(t, artifacts, desc.FileName)

	// A sibling ".part" file means a transfer into this name is still
	// running; whatever sits at the final name must not be adopted yet.
	require.NoError(t, os.WriteFile(p+fsutil.PartialSuffix, []byte("grow"), 0o644))

	w := NewWatcher(loc, []string{artifacts}, zerolog.Nop())
	require.Equal(t, 0, w.Rescan())
	_, ok := loc.Resolve(desc)
	require.False(t, ok)

	// Transfer finished, the marker is gone.
	require.NoError(t, os.Remove(p+fsutil.PartialSuffix))
	require.Equal(t, 1, w.Rescan())
	got, ok := loc.Resolve(desc)
	require.True(t, ok)
	require.Equal(t, p, got)
}
