package slot

import (
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/ledger"
	"inferd/internal/locator"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultLoadTimeout  = 60 * time.Second
	defaultInferTimeout = 5 * time.Minute
	defaultMaxWait      = 30 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Engine    Engine
	Locator   *locator.Locator
	Ledger    *ledger.Ledger
	Publisher EventPublisher
	Logger    zerolog.Logger

	// LoadTimeout bounds handle construction (tens of seconds).
	LoadTimeout time.Duration
	// InferTimeout bounds one generation (minutes; image-augmented
	// prompts are slow).
	InferTimeout time.Duration
	// MaxWait bounds how long a request waits for the inference gate.
	MaxWait time.Duration
	// DrainTimeout bounds how long a switch waits for in-flight work.
	DrainTimeout time.Duration
}

// NewManager constructs a Manager from Config, applying defaults.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		state:  StateEmpty,
		engine: cfg.Engine,
		loc:    cfg.Locator,
		led:    cfg.Ledger,
		pub:    cfg.Publisher,
		log:    cfg.Logger,
		genCh:  make(chan struct{}, 1),
	}
	if m.engine == nil {
		m.engine = NewLlamaEngine(0, 0)
	}
	if m.pub == nil {
		m.pub = noopPublisher{}
	}
	m.loadTimeout = cfg.LoadTimeout
	if m.loadTimeout <= 0 {
		m.loadTimeout = defaultLoadTimeout
	}
	m.inferTimeout = cfg.InferTimeout
	if m.inferTimeout <= 0 {
		m.inferTimeout = defaultInferTimeout
	}
	m.maxWait = cfg.MaxWait
	if m.maxWait <= 0 {
		m.maxWait = defaultMaxWait
	}
	m.drainTimeout = cfg.DrainTimeout
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	return m
}
