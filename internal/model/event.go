package model

import "time"

// Journal event types recorded by the pool, supervisor, and lifecycle
// controller. These back the operational events endpoint.
const (
	EventWorkerStarted  = "worker_started"
	EventWorkerCrashed  = "worker_crashed"
	EventWorkerRecycled = "worker_recycled"
	EventWorkerRetired  = "worker_retired"
	EventCrashLoop      = "crash_loop"
	EventReload         = "reload"
	EventDrain          = "drain"
)

// Event is one entry in the operational journal.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Slot      int       `json:"slot"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
