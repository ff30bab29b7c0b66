package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phpx-sh/phpxd/internal/engine"
	"github.com/phpx-sh/phpxd/internal/model"
)

// ErrNotIdle is returned when Run is attempted on a worker that already has
// a run in flight. The pool never hands a worker out twice, so hitting this
// means a caller kept a reference past Release.
var ErrNotIdle = errors.New("worker is not idle")

// Worker owns exactly one execution context and serves at most one request
// at a time. All state fields are guarded by the owning pool's lock; inFlight
// additionally enforces the single-run invariant at the Run boundary.
type Worker struct {
	id         string
	slot       int
	generation uint64
	proc       engine.Process

	// Guarded by Pool.mu.
	state        string
	served       int
	lastActivity time.Time
	draining     bool

	inFlight atomic.Bool
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Slot returns the pool slot this worker occupies.
func (w *Worker) Slot() int { return w.slot }

// Generation returns the code generation this worker was started against.
func (w *Worker) Generation() uint64 { return w.generation }

// Identity reports the engine version announced by the worker's process.
func (w *Worker) Identity() engine.Identity { return w.proc.Identity() }

// Run executes one request on the worker's execution context. The worker
// resets per-request engine state before every run after the first. The
// context deadline bounds the wait; a deadline expiry leaves a possibly hung
// engine behind, which Release(OutcomeTimeout) force-terminates.
func (w *Worker) Run(ctx context.Context, script string, env engine.RequestEnv) (engine.Result, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return engine.Result{}, ErrNotIdle
	}
	defer w.inFlight.Store(false)

	if w.served > 0 {
		if err := w.proc.Reset(ctx); err != nil {
			return engine.Result{}, fmt.Errorf("reset before run: %w", err)
		}
	}

	res, err := w.proc.Run(ctx, script, env)
	if err != nil {
		return engine.Result{}, err
	}
	return res, nil
}

// Kill force-terminates the worker's execution context.
func (w *Worker) Kill() {
	w.proc.Kill()
}

// info snapshots the worker. Caller holds Pool.mu.
func (w *Worker) info() model.WorkerInfo {
	return model.WorkerInfo{
		ID:           w.id,
		Slot:         w.slot,
		Generation:   w.generation,
		State:        w.state,
		Served:       w.served,
		PID:          w.proc.PID(),
		LastActivity: w.lastActivity,
	}
}
