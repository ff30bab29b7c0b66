package engine

import (
	"context"
	"errors"
	"net/http"
)

// ErrProcessExited is returned by Process methods after the hosting engine
// process has terminated, whether by crash or by Kill.
var ErrProcessExited = errors.New("engine process exited")

// RequestEnv carries one HTTP request into the engine. It mirrors the
// per-request environment the engine exposes to application code.
type RequestEnv struct {
	RequestID  string      `json:"request_id,omitempty"`
	Method     string      `json:"method"`
	URI        string      `json:"uri"`
	Query      string      `json:"query,omitempty"`
	Proto      string      `json:"proto"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
}

// Result is the engine's answer to one run: the application-indicated HTTP
// status (0 means the script set none and the dispatcher uses 200), response
// headers, captured output, and the script's exit status.
type Result struct {
	ExitCode int               `json:"exit_code"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Identity describes the engine build hosted by a process. Queried once at
// startup for diagnostics, never in the request path.
type Identity struct {
	Version   string `json:"version"`
	VersionID int    `json:"version_id"`
}

// Engine spawns warm execution contexts. Implementations wrap the external
// engine runtime; the server never looks inside.
type Engine interface {
	Spawn(ctx context.Context) (Process, error)
}

// Process is one warm execution context hosted by its own OS process.
// A Process is owned by exactly one worker and is never shared; all calls
// into it are serialized by that owner.
type Process interface {
	// Run executes the script against the request environment and blocks
	// until the engine returns. The context deadline bounds the wait; on
	// expiry the caller must Kill the process, since the engine offers no
	// cooperative cancellation.
	Run(ctx context.Context, script string, env RequestEnv) (Result, error)

	// Reset clears per-request engine state while preserving process-lifetime
	// state (compiled-code caches, persistent connections). The owner calls
	// it between runs.
	Reset(ctx context.Context) error

	// Identity reports the engine version announced at spawn.
	Identity() Identity

	// PID reports the hosting OS process id, for diagnostics.
	PID() int

	// Done is closed when the hosting process exits, for any reason.
	Done() <-chan struct{}

	// Kill force-terminates the hosting process. Safe to call more than once.
	Kill() error
}
