package slot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/ledger"
	"inferd/internal/locator"
)

type fakeHandle struct {
	mu      sync.Mutex
	closed  bool
	infers  int
	block   chan struct{} // when non-nil, Infer waits on it
	out     string
	inferFn func(ctx context.Context, in Input) (Output, error)
}

func (h *fakeHandle) Infer(ctx context.Context, in Input) (Output, error) {
	h.mu.Lock()
	h.infers++
	block := h.block
	fn := h.inferFn
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	return Output{Text: h.out}, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeEngine struct {
	mu      sync.Mutex
	loads   int
	delay   time.Duration
	loadErr error
	failOnce bool
	handles []*fakeHandle
}

func (e *fakeEngine) Load(ctx context.Context, path string, opts LoadOptions) (Handle, error) {
	e.mu.Lock()
	e.loads++
	delay := e.delay
	err := e.loadErr
	if e.failOnce {
		e.failOnce = false
		e.mu.Unlock()
		return nil, errors.New("backend init failed")
	}
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{out: "ok"}
	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h, nil
}

func (e *fakeEngine) loadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

func (e *fakeEngine) lastHandle() *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		return nil
	}
	return e.handles[len(e.handles)-1]
}

type fixture struct {
	mgr *Manager
	eng *fakeEngine
	led *ledger.Ledger
	loc *locator.Locator
	pub *MemoryPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	led, err := ledger.Open(filepath.Join(dir, "ledger"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	refDir := filepath.Join(dir, "refs")
	if err := os.MkdirAll(refDir, 0o755); err != nil {
		t.Fatal(err)
	}
	loc := locator.New([]locator.Volume{{Dir: refDir, Label: "internal"}}, led, zerolog.Nop())
	eng := &fakeEngine{}
	pub := NewMemoryPublisher()
	cfg.Engine = eng
	cfg.Locator = loc
	cfg.Ledger = led
	cfg.Publisher = pub
	cfg.Logger = zerolog.Nop()
	return &fixture{mgr: NewManager(cfg), eng: eng, led: led, loc: loc, pub: pub}
}

// installModel writes an artifact file and its reference record so the
// descriptor resolves.
func (f *fixture) installModel(t *testing.T, desc catalog.Descriptor) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, desc.FileName)
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.loc.CreateReference(desc, path); err != nil {
		t.Fatalf("create reference: %v", err)
	}
	return path
}

func desc(id string) catalog.Descriptor {
	return catalog.Descriptor{ID: id, DisplayName: id, FileName: id + ".gguf"}
}

func TestEnsureLoadsThenFastPath(t *testing.T) {
	f := newFixture(t, Config{})
	d := desc("m1")
	f.installModel(t, d)

	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := f.mgr.Snapshot(); got.State != StateReady || got.CurrentModel != "m1" {
		t.Fatalf("snapshot = %+v, want ready/m1", got)
	}
	// Same descriptor again must not touch the engine.
	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if n := f.eng.loadCount(); n != 1 {
		t.Fatalf("engine loads = %d, want 1", n)
	}
	info, ok := f.led.Info("m1")
	if !ok || !info.Loaded {
		t.Fatalf("ledger info = %+v ok=%v, want Loaded", info, ok)
	}
}

func TestSwitchUnloadsBeforeLoad(t *testing.T) {
	f := newFixture(t, Config{})
	a, b := desc("a"), desc("b")
	f.installModel(t, a)
	f.installModel(t, b)

	if err := f.mgr.Ensure(context.Background(), a); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	first := f.eng.lastHandle()
	if err := f.mgr.Ensure(context.Background(), b); err != nil {
		t.Fatalf("ensure b: %v", err)
	}

	if !first.isClosed() {
		t.Fatal("previous handle not closed after switch")
	}
	if got := f.mgr.Snapshot().CurrentModel; got != "b" {
		t.Fatalf("current = %q, want b", got)
	}

	// The unload of a must complete before the load of b starts.
	var order []string
	for _, e := range f.pub.Events() {
		if e.Name == "unload_done" || e.Name == "load_start" {
			order = append(order, e.Name+":"+e.ModelID)
		}
	}
	want := []string{"load_start:a", "unload_done:a", "load_start:b"}
	if len(order) != len(want) {
		t.Fatalf("events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("events = %v, want %v", order, want)
		}
	}

	infoA, _ := f.led.Info("a")
	infoB, _ := f.led.Info("b")
	if infoA.Loaded || !infoB.Loaded {
		t.Fatalf("ledger loaded flags a=%v b=%v, want false/true", infoA.Loaded, infoB.Loaded)
	}
}

func TestLoadTimeoutAbandonsHandle(t *testing.T) {
	f := newFixture(t, Config{LoadTimeout: 30 * time.Millisecond})
	f.eng.delay = 150 * time.Millisecond
	d := desc("slow")
	f.installModel(t, d)

	start := time.Now()
	err := f.mgr.Ensure(context.Background(), d)
	if !IsKind(err, KindModelLoadTimeout) {
		t.Fatalf("err = %v, want load timeout kind", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("ensure returned before the timeout elapsed")
	}
	if got := f.mgr.Snapshot().State; got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if !f.led.IsFailed("slow") {
		t.Fatal("failure mark not persisted")
	}

	// The straggler handle surfaces later and must be closed, not kept.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h := f.eng.lastHandle()
		if h != nil && h.isClosed() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned handle never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoadFailureMarkClearedOnSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	f.eng.failOnce = true
	d := desc("flaky")
	f.installModel(t, d)

	err := f.mgr.Ensure(context.Background(), d)
	if !IsKind(err, KindModelLoadFailed) {
		t.Fatalf("err = %v, want load failed kind", err)
	}
	if !f.led.IsFailed("flaky") {
		t.Fatal("failure mark missing after failed load")
	}
	snap := f.mgr.Snapshot()
	if snap.State != StateFailed || snap.LastError == "" {
		t.Fatalf("snapshot = %+v, want failed with error", snap)
	}

	// A later successful load is the retest that lifts the quarantine.
	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("retry ensure: %v", err)
	}
	if f.led.IsFailed("flaky") {
		t.Fatal("failure mark not cleared after successful load")
	}
}

func TestEnsureUnresolvable(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.mgr.Ensure(context.Background(), desc("ghost"))
	if !IsKind(err, KindModelUnavailable) {
		t.Fatalf("err = %v, want unavailable kind", err)
	}
	if n := f.eng.loadCount(); n != 0 {
		t.Fatalf("engine loads = %d, want 0", n)
	}
}

func TestGenerate(t *testing.T) {
	f := newFixture(t, Config{})
	d := desc("gen")
	f.installModel(t, d)

	out, err := f.mgr.Generate(context.Background(), d, Input{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Text != "ok" {
		t.Fatalf("text = %q, want ok", out.Text)
	}
	info, ok := f.led.Info("gen")
	if !ok || info.AccessedAt.IsZero() {
		t.Fatalf("ledger info = %+v ok=%v, want AccessedAt set", info, ok)
	}
}

func TestGenerateBusy(t *testing.T) {
	f := newFixture(t, Config{MaxWait: 30 * time.Millisecond})
	d := desc("busy")
	f.installModel(t, d)
	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	h := f.eng.lastHandle()
	block := make(chan struct{})
	h.block = block

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Generate(context.Background(), d, Input{Prompt: "long"})
		done <- err
	}()

	// Wait for the first generation to occupy the gate.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, _ := f.mgr.Processing(); p {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first generation never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := f.mgr.Generate(context.Background(), d, Input{Prompt: "second"})
	if !IsTooBusy(err) {
		t.Fatalf("err = %v, want busy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first generation: %v", err)
	}
}

func TestGenerateInferenceTimeout(t *testing.T) {
	f := newFixture(t, Config{InferTimeout: 30 * time.Millisecond})
	d := desc("stall")
	f.installModel(t, d)
	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.eng.lastHandle().block = make(chan struct{}) // never released

	_, err := f.mgr.Generate(context.Background(), d, Input{Prompt: "hang"})
	if !IsKind(err, KindInferenceTimeout) {
		t.Fatalf("err = %v, want inference timeout kind", err)
	}
	if p, _ := f.mgr.Processing(); p {
		t.Fatal("processing flag stuck after timeout")
	}
	// A timeout is transient; it must not quarantine the model.
	if f.led.IsFailed("stall") {
		t.Fatal("timeout marked the model failed")
	}
}

func TestGenerateEngineFailureQuarantines(t *testing.T) {
	f := newFixture(t, Config{})
	d := desc("brk")
	f.installModel(t, d)
	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.eng.lastHandle().inferFn = func(ctx context.Context, in Input) (Output, error) {
		return Output{}, errors.New("decode graph corrupt")
	}

	_, err := f.mgr.Generate(context.Background(), d, Input{Prompt: "hi"})
	if !IsKind(err, KindInferenceFailed) {
		t.Fatalf("err = %v, want inference failed kind", err)
	}
	if !f.led.IsFailed("brk") {
		t.Fatal("engine failure did not mark the model failed")
	}
	info, ok := f.led.Info("brk")
	if !ok || info.LastError == "" {
		t.Fatalf("ledger info = %+v ok=%v, want LastError recorded", info, ok)
	}
}

func TestUnload(t *testing.T) {
	f := newFixture(t, Config{})
	d := desc("u")
	f.installModel(t, d)

	// Unload with nothing resident is a no-op.
	if err := f.mgr.Unload(); err != nil {
		t.Fatalf("empty unload: %v", err)
	}

	if err := f.mgr.Ensure(context.Background(), d); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	h := f.eng.lastHandle()
	if err := f.mgr.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !h.isClosed() {
		t.Fatal("handle not closed on unload")
	}
	snap := f.mgr.Snapshot()
	if snap.State != StateEmpty || snap.CurrentModel != "" {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
	info, _ := f.led.Info("u")
	if info.Loaded {
		t.Fatal("ledger still reports loaded after unload")
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.loadTimeout != defaultLoadTimeout {
		t.Fatalf("loadTimeout = %v, want %v", m.loadTimeout, defaultLoadTimeout)
	}
	if m.inferTimeout != defaultInferTimeout {
		t.Fatalf("inferTimeout = %v, want %v", m.inferTimeout, defaultInferTimeout)
	}
	if m.engine == nil || m.pub == nil {
		t.Fatal("engine/publisher defaults not applied")
	}
	if cap(m.genCh) != 1 {
		t.Fatalf("genCh cap = %d, want 1", cap(m.genCh))
	}
}
