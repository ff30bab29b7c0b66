package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/engine"
	"github.com/phpx-sh/phpxd/internal/model"
	"github.com/phpx-sh/phpxd/internal/store"
)

// Admission errors.
var (
	// ErrOverloaded is returned when the admission queue is full, or when a
	// queued caller's deadline elapses before a worker frees up.
	ErrOverloaded = errors.New("pool overloaded")

	// ErrClosed is returned once the pool has started draining.
	ErrClosed = errors.New("pool closed")
)

// Event kinds delivered to the health supervisor.
const (
	EventCrash   = "crash"
	EventSuccess = "success"
)

// WorkerEvent is the crash/success notification consumed by the supervisor.
// Crash events carry the cause; a crash may destroy the whole execution
// unit, so this is a message, not an error return.
type WorkerEvent struct {
	Kind     string
	Slot     int
	WorkerID string
	Cause    string
	At       time.Time
}

// waiter is one queued Acquire call. The channel is buffered so a hand-off
// never blocks the releasing goroutine.
type waiter struct {
	ch       chan *Worker
	enqueued time.Time
}

// Pool owns a fixed set of workers and a bounded FIFO admission queue.
// The pool's mutex is the single lock serializing every worker-state
// mutation and queue operation.
type Pool struct {
	cfg     config.Config
	eng     engine.Engine
	logger  *slog.Logger
	journal store.Store

	events chan WorkerEvent

	mu         sync.Mutex
	slots      []*Worker // slot index → current worker, nil when unfilled
	idle       []*Worker // FIFO of idle workers, all current generation
	waiters    []*waiter // FIFO admission queue, len ≤ cfg.QueueDepth
	generation uint64
	closed     bool
	starting   int

	spawnWG sync.WaitGroup
}

// New creates an empty pool. Workers are started by Prewarm and by
// replacement flows; the pool never exceeds cfg.MaxWorkers live workers.
func New(cfg config.Config, eng engine.Engine, journal store.Store, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:        cfg,
		eng:        eng,
		logger:     logger,
		journal:    journal,
		events:     make(chan WorkerEvent, 64),
		slots:      make([]*Worker, cfg.MaxWorkers),
		generation: 1,
	}
}

// Events returns the channel of crash/success notifications.
func (p *Pool) Events() <-chan WorkerEvent {
	return p.events
}

// Generation returns the current code generation.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Acquire returns an idle worker, or queues the caller FIFO behind earlier
// callers until a worker frees up or ctx expires. A caller arriving at a
// full queue is rejected immediately with ErrOverloaded.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if w := p.popIdleLocked(); w != nil {
		p.setStateLocked(w, model.StateBusy)
		p.mu.Unlock()
		return w, nil
	}

	// Fast admission rejection: never queue beyond queueDepth.
	if len(p.waiters) >= p.cfg.QueueDepth {
		p.mu.Unlock()
		acquireRejections.Inc()
		return nil, fmt.Errorf("admission queue full (%d): %w", p.cfg.QueueDepth, ErrOverloaded)
	}

	wt := &waiter{ch: make(chan *Worker, 1), enqueued: time.Now()}
	p.waiters = append(p.waiters, wt)
	queueLength.Set(float64(len(p.waiters)))
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		if w == nil {
			return nil, ErrClosed
		}
		queueWait.Observe(time.Since(wt.enqueued).Seconds())
		return w, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(wt)
		p.mu.Unlock()
		if !removed {
			// A worker was handed to us concurrently with the deadline;
			// give it straight back to the next caller.
			select {
			case w := <-wt.ch:
				if w != nil {
					p.mu.Lock()
					p.handBackLocked(w)
					p.mu.Unlock()
				}
			default:
			}
		}
		return nil, fmt.Errorf("deadline elapsed in admission queue: %w", ErrOverloaded)
	}
}

// Release reports the single outcome of a request served (or aborted) on w.
// OK outcomes return the worker to service, or retire it when it is draining
// or has hit the recycle threshold. Timeout and crash outcomes terminate the
// worker and notify the supervisor.
func (p *Pool) Release(w *Worker, outcome string) {
	switch outcome {
	case model.OutcomeOK:
		p.releaseOK(w)
	case model.OutcomeTimeout, model.OutcomeCrash:
		p.releaseFailed(w, outcome)
	default:
		p.logger.Error("unknown release outcome", "outcome", outcome, "worker_id", w.id)
		p.releaseFailed(w, model.OutcomeCrash)
	}
}

func (p *Pool) releaseOK(w *Worker) {
	p.mu.Lock()

	if w.state == model.StateCrashed {
		p.mu.Unlock()
		return
	}

	// The process can die between run completion and release.
	select {
	case <-w.proc.Done():
		p.crashLocked(w, "process exited")
		p.mu.Unlock()
		return
	default:
	}

	w.served++
	w.lastActivity = time.Now()

	p.notify(WorkerEvent{Kind: EventSuccess, Slot: w.slot, WorkerID: w.id, At: w.lastActivity})

	stale := w.generation != p.generation || w.draining
	recycle := w.served >= p.cfg.MaxRequestsPerWorker

	if p.closed {
		p.retireLocked(w, model.EventWorkerRetired, "shutdown drain")
		p.mu.Unlock()
		return
	}

	if stale || recycle {
		reason := "proactive recycle after " + fmt.Sprint(w.served) + " requests"
		event := model.EventWorkerRecycled
		if stale {
			reason = "drained after rotation"
			event = model.EventWorkerRetired
		}
		slot := w.slot
		p.retireLocked(w, event, reason)
		p.startReplacementLocked(slot)
		p.mu.Unlock()
		return
	}

	p.handBackLocked(w)
	p.mu.Unlock()
}

func (p *Pool) releaseFailed(w *Worker, outcome string) {
	p.mu.Lock()
	if w.state == model.StateCrashed {
		p.mu.Unlock()
		return
	}
	p.crashLocked(w, outcome)
	p.mu.Unlock()
}

// crashLocked terminates w, vacates its slot, and notifies the supervisor.
// Replacement is the supervisor's decision (backoff, circuit breaker), not
// the pool's. Caller holds p.mu.
func (p *Pool) crashLocked(w *Worker, cause string) {
	p.setStateLocked(w, model.StateCrashed)
	w.proc.Kill()
	p.removeLocked(w)

	crashesTotal.WithLabelValues(cause).Inc()
	p.record(model.EventWorkerCrashed, w, cause)
	p.logger.Warn("worker crashed",
		"worker_id", w.id,
		"slot", w.slot,
		"cause", cause,
		"served", w.served,
	)

	p.notify(WorkerEvent{Kind: EventCrash, Slot: w.slot, WorkerID: w.id, Cause: cause, At: time.Now()})
}

// handBackLocked returns an idle worker to service: the longest-queued
// waiter gets it, otherwise it joins the idle list. Caller holds p.mu.
func (p *Pool) handBackLocked(w *Worker) {
	p.setStateLocked(w, model.StateIdle)
	w.lastActivity = time.Now()

	if wt := p.popWaiterLocked(); wt != nil {
		p.setStateLocked(w, model.StateBusy)
		wt.ch <- w
		return
	}
	p.idle = append(p.idle, w)
}

// popIdleLocked returns the oldest idle worker of the current generation,
// retiring any stale ones it encounters. Caller holds p.mu.
func (p *Pool) popIdleLocked() *Worker {
	for len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		if w.generation == p.generation && !w.draining {
			return w
		}
		slot := w.slot
		p.retireLocked(w, model.EventWorkerRetired, "stale generation")
		p.startReplacementLocked(slot)
	}
	return nil
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	wt := p.waiters[0]
	p.waiters = p.waiters[1:]
	queueLength.Set(float64(len(p.waiters)))
	return wt
}

func (p *Pool) removeWaiterLocked(wt *waiter) bool {
	for i, cand := range p.waiters {
		if cand == wt {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			queueLength.Set(float64(len(p.waiters)))
			return true
		}
	}
	return false
}

// retireLocked terminates a worker gracefully at a request boundary.
// Caller holds p.mu.
func (p *Pool) retireLocked(w *Worker, event, reason string) {
	p.setStateLocked(w, model.StateDraining)
	w.proc.Kill()
	p.removeLocked(w)
	p.record(event, w, reason)
	p.logger.Info("worker retired",
		"worker_id", w.id,
		"slot", w.slot,
		"reason", reason,
		"served", w.served,
	)
}

// removeLocked vacates the worker's slot and drops it from the idle list.
// Caller holds p.mu.
func (p *Pool) removeLocked(w *Worker) {
	if p.slots[w.slot] == w {
		p.slots[w.slot] = nil
	}
	for i, cand := range p.idle {
		if cand == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.updateGaugesLocked()
}

// StartWorker synchronously starts a worker in the given slot. It is used
// by prewarm and by the supervisor's replacement flow.
func (p *Pool) StartWorker(ctx context.Context, slot int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if slot < 0 || slot >= len(p.slots) {
		p.mu.Unlock()
		return fmt.Errorf("slot %d out of range [0, %d)", slot, len(p.slots))
	}
	if p.slots[slot] != nil {
		p.mu.Unlock()
		return fmt.Errorf("slot %d already filled", slot)
	}
	gen := p.generation
	p.starting++
	p.updateGaugesLocked()
	p.mu.Unlock()

	proc, err := p.eng.Spawn(ctx)

	p.mu.Lock()
	p.starting--
	if err != nil {
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.notify(WorkerEvent{Kind: EventCrash, Slot: slot, Cause: "spawn failed", At: time.Now()})
		return fmt.Errorf("spawn worker for slot %d: %w", slot, err)
	}

	if p.closed || p.slots[slot] != nil {
		p.updateGaugesLocked()
		p.mu.Unlock()
		proc.Kill()
		return ErrClosed
	}

	w := &Worker{
		id:           model.NewID(),
		slot:         slot,
		generation:   gen,
		proc:         proc,
		state:        model.StateStarting,
		lastActivity: time.Now(),
	}
	p.slots[slot] = w
	p.handBackLocked(w)
	p.record(model.EventWorkerStarted, w, fmt.Sprintf("generation %d, engine %s", gen, proc.Identity().Version))
	p.mu.Unlock()

	p.logger.Info("worker started",
		"worker_id", w.id,
		"slot", slot,
		"generation", gen,
		"pid", proc.PID(),
		"engine_version", proc.Identity().Version,
	)

	go p.watchExit(w)
	return nil
}

// startReplacementLocked starts an asynchronous replacement for a vacated
// slot. Caller holds p.mu.
func (p *Pool) startReplacementLocked(slot int) {
	if p.closed {
		return
	}
	p.spawnWG.Add(1)
	go func() {
		defer p.spawnWG.Done()
		if err := p.StartWorker(context.Background(), slot); err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("replacement worker failed to start", "slot", slot, "error", err)
		}
	}()
}

// watchExit observes the worker's process and converts an unexpected death
// into a crash notification. Deaths already handled (retire, crash release)
// are filtered by the state check.
func (p *Pool) watchExit(w *Worker) {
	<-w.proc.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	switch w.state {
	case model.StateCrashed, model.StateDraining:
		// Already terminated through a release or retire path.
		return
	case model.StateBusy:
		// The in-flight Run observes the death itself and reports it via
		// Release; converting it here too would double-count.
		return
	default:
		p.crashLocked(w, "process exited")
	}
}

// Rotate advances the code generation. Idle workers of the old generation
// are retired and replaced immediately; busy workers are marked draining and
// are replaced as they finish. In-flight requests always complete against
// the code they started with.
func (p *Pool) Rotate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.generation
	}

	p.generation++
	generationGauge.Set(float64(p.generation))
	gen := p.generation

	for _, w := range p.slots {
		if w == nil || w.generation == gen {
			continue
		}
		switch w.state {
		case model.StateIdle:
			slot := w.slot
			p.retireLocked(w, model.EventWorkerRetired, "rotation")
			p.startReplacementLocked(slot)
		case model.StateBusy, model.StateStarting:
			w.draining = true
		}
	}

	p.record(model.EventReload, nil, fmt.Sprintf("rotated to generation %d", gen))
	return gen
}

// Drain stops admission and retires every worker, waiting up to ctx's
// deadline for busy workers to finish before force-terminating the rest.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true

	// Queued requests are marked for drain: each waiter fails now rather
	// than waiting out its deadline.
	for _, wt := range p.waiters {
		wt.ch <- nil
	}
	p.waiters = nil
	queueLength.Set(0)

	// Idle workers retire immediately.
	for _, w := range p.slots {
		if w != nil && w.state == model.StateIdle {
			p.retireLocked(w, model.EventWorkerRetired, "shutdown drain")
		}
	}
	p.record(model.EventDrain, nil, "shutdown drain started")
	p.mu.Unlock()

	// Busy workers get until the deadline, then are force-terminated.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := 0
		for _, w := range p.slots {
			if w != nil {
				remaining++
			}
		}
		p.mu.Unlock()
		if remaining == 0 {
			break
		}

		select {
		case <-ctx.Done():
			p.mu.Lock()
			for _, w := range p.slots {
				if w != nil {
					p.crashLocked(w, "forced termination at shutdown")
				}
			}
			p.mu.Unlock()
			p.spawnWG.Wait()
			return
		case <-ticker.C:
		}
	}
	p.spawnWG.Wait()
}

// Snapshot returns a point-in-time view of the pool for the status endpoint.
func (p *Pool) Snapshot() model.PoolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := model.PoolInfo{
		MaxWorkers: p.cfg.MaxWorkers,
		Generation: p.generation,
		QueueLen:   len(p.waiters),
		QueueDepth: p.cfg.QueueDepth,
	}
	for _, w := range p.slots {
		if w == nil {
			continue
		}
		info.Workers = append(info.Workers, w.info())
		if info.EngineVersion == "" {
			info.EngineVersion = w.proc.Identity().Version
		}
	}
	return info
}

// setStateLocked transitions a worker's state, logging transitions the state
// machine forbids. Caller holds p.mu.
func (p *Pool) setStateLocked(w *Worker, state string) {
	if w.state != state && !model.ValidTransition(w.state, state) {
		p.logger.Error("invalid worker state transition",
			"worker_id", w.id,
			"from", w.state,
			"to", state,
		)
	}
	w.state = state
	p.updateGaugesLocked()
}

// updateGaugesLocked recounts the worker-state gauges. Caller holds p.mu.
func (p *Pool) updateGaugesLocked() {
	counts := map[string]int{
		model.StateIdle:     0,
		model.StateBusy:     0,
		model.StateDraining: 0,
	}
	for _, w := range p.slots {
		if w != nil {
			counts[w.state]++
		}
	}
	counts[model.StateStarting] = p.starting
	for state, n := range counts {
		workersByState.WithLabelValues(state).Set(float64(n))
	}
}

// notify delivers a supervisor event without ever blocking the request path.
func (p *Pool) notify(ev WorkerEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("supervisor event dropped", "kind", ev.Kind, "slot", ev.Slot)
	}
}

// record appends to the operational journal; journaling failures are logged,
// never propagated into the serving path.
func (p *Pool) record(eventType string, w *Worker, detail string) {
	if p.journal == nil {
		return
	}
	e := &model.Event{Type: eventType, Detail: detail, CreatedAt: time.Now().UTC()}
	if w != nil {
		e.WorkerID = w.id
		e.Slot = w.slot
	}
	// Journal writes stay off the serving path; record is called under p.mu.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := p.journal.RecordEvent(ctx, e); err != nil {
			p.logger.Error("record event", "type", eventType, "error", err)
		}
	}()
}
