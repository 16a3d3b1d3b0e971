package slot

import "time"

// State represents the lifecycle state of the model slot.
type State string

const (
	StateEmpty   State = "empty"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Snapshot is a read-only projection of the slot state plus the advisory
// admission flags. The flags report, they do not enforce; exclusion is
// structural (the transition mutex and the inference gate).
type Snapshot struct {
	State        State
	CurrentModel string
	LoadedAt     time.Time
	LastError    string

	Processing      bool
	ProcessingSince time.Time
	Loading         bool
	LoadingSince    time.Time
}
