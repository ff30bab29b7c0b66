package model

import "time"

// Worker state constants.
const (
	StateStarting = "starting"
	StateIdle     = "idle"
	StateBusy     = "busy"
	StateDraining = "draining"
	StateCrashed  = "crashed"
)

// Request outcome constants, one per served request.
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeCrash      = "crash"
	OutcomeOverloaded = "overloaded"
	OutcomeMalformed  = "malformed"
)

// validTransitions maps each worker state to the set of states it may
// transition to. Crashed is terminal: a crashed worker is replaced, never
// resurrected.
var validTransitions = map[string]map[string]bool{
	StateStarting: {
		StateIdle:    true,
		StateCrashed: true,
	},
	StateIdle: {
		StateBusy:     true,
		StateDraining: true,
		StateCrashed:  true,
	},
	StateBusy: {
		StateIdle:     true,
		StateDraining: true,
		StateCrashed:  true,
	},
	StateDraining: {
		StateCrashed: true,
	},
}

// ValidTransition reports whether a worker may move from one state to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkerInfo is a point-in-time snapshot of a single worker, exposed on the
// status endpoint and carried in lifecycle events.
type WorkerInfo struct {
	ID           string    `json:"id"`
	Slot         int       `json:"slot"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	Served       int       `json:"served"`
	PID          int       `json:"pid,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// PoolInfo is a point-in-time snapshot of the whole pool.
type PoolInfo struct {
	MaxWorkers    int          `json:"max_workers"`
	Generation    uint64       `json:"generation"`
	QueueLen      int          `json:"queue_len"`
	QueueDepth    int          `json:"queue_depth"`
	Workers       []WorkerInfo `json:"workers"`
	EngineVersion string       `json:"engine_version,omitempty"`
}
