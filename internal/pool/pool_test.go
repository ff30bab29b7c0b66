package pool_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/engine"
	"github.com/phpx-sh/phpxd/internal/engine/enginetest"
	"github.com/phpx-sh/phpxd/internal/model"
	"github.com/phpx-sh/phpxd/internal/pool"
)

func testConfig(maxWorkers, queueDepth int) config.Config {
	return config.Config{
		MaxWorkers:           maxWorkers,
		MinWarmWorkers:       maxWorkers,
		QueueDepth:           queueDepth,
		MaxRequestsPerWorker: 1000,
		RequestTimeout:       5 * time.Second,
		RestartBackoffBase:   10 * time.Millisecond,
		RestartBackoffMax:    100 * time.Millisecond,
		CrashLoopThreshold:   5,
		CrashLoopWindow:      time.Minute,
		Entrypoint:           "public/index.php",
	}
}

func newTestPool(t *testing.T, cfg config.Config, eng engine.Engine) *pool.Pool {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p := pool.New(cfg, eng, nil, logger)
	for i := 0; i < cfg.MinWarmWorkers; i++ {
		if err := p.StartWorker(context.Background(), i); err != nil {
			t.Fatalf("StartWorker(%d): %v", i, err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Drain(ctx)
	})
	return p
}

// drainEvents consumes supervisor events so notify never drops under test.
func drainEvents(p *pool.Pool) {
	go func() {
		for range p.Events() {
		}
	}()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 4), eng)
	drainEvents(p)

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	res, err := w.Run(context.Background(), "public/index.php", engine.RequestEnv{Method: "GET", URI: "/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	p.Release(w, model.OutcomeOK)

	// The same worker comes back for the next request.
	w2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if w2.ID() != w.ID() {
		t.Errorf("second acquire returned %s, want %s", w2.ID(), w.ID())
	}
	p.Release(w2, model.OutcomeOK)
}

func TestEngineResetBetweenRequests(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 4), eng)
	drainEvents(p)

	for i := 0; i < 3; i++ {
		w, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if _, err := w.Run(context.Background(), "public/index.php", engine.RequestEnv{}); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		p.Release(w, model.OutcomeOK)
	}

	// No reset before the first run on a fresh context, one before each
	// subsequent run.
	if got := eng.Spawned()[0].Resets(); got != 2 {
		t.Errorf("resets = %d, want 2", got)
	}
}

func TestConcurrentExecutionBoundedByPoolSize(t *testing.T) {
	const (
		poolSize = 3
		requests = 12
	)
	eng := &enginetest.Engine{RunDelay: 30 * time.Millisecond}
	p := newTestPool(t, testConfig(poolSize, requests), eng)
	drainEvents(p)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}

			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			_, err = w.Run(context.Background(), "public/index.php", engine.RequestEnv{})
			current.Add(-1)

			if err != nil {
				t.Errorf("Run: %v", err)
				p.Release(w, model.OutcomeCrash)
				return
			}
			p.Release(w, model.OutcomeOK)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > poolSize {
		t.Errorf("peak concurrent executions = %d, want <= %d", got, poolSize)
	}
}

func TestAdmissionQueueFullRejectsImmediately(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 1), eng)
	drainEvents(p)

	// Occupy the only worker.
	busy, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// First overflow caller queues.
	queued := make(chan error, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(w, model.OutcomeOK)
		}
		queued <- err
	}()

	// Wait for the waiter to be registered.
	waitForQueueLen(t, p, 1)

	// Second overflow caller is rejected without waiting.
	start := time.Now()
	_, err = p.Acquire(context.Background())
	if !errors.Is(err, pool.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %s, want immediate", elapsed)
	}

	// Freeing the worker serves the queued caller.
	p.Release(busy, model.OutcomeOK)
	if err := <-queued; err != nil {
		t.Errorf("queued acquire failed: %v", err)
	}
}

func TestAcquireDeadlineElapsesAsOverloaded(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 4), eng)
	drainEvents(p)

	busy, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(busy, model.OutcomeOK)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, pool.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestQueuedAcquirersServedFIFO(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 8), eng)
	drainEvents(p)

	busy, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const waiters = 4
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			w, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			p.Release(w, model.OutcomeOK)
		}()
		// Enqueue one at a time so arrival order is deterministic.
		waitForQueueLen(t, p, i+1)
	}

	p.Release(busy, model.OutcomeOK)

	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("waiter order = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
}

func TestWorkerNeverRunsConcurrently(t *testing.T) {
	eng := &enginetest.Engine{RunDelay: time.Millisecond}
	p := newTestPool(t, testConfig(3, 64), eng)
	drainEvents(p)

	var (
		mu      sync.Mutex
		running = map[string]bool{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}

			mu.Lock()
			if running[w.ID()] {
				t.Errorf("worker %s handed out while already running", w.ID())
			}
			running[w.ID()] = true
			mu.Unlock()

			_, err = w.Run(context.Background(), "public/index.php", engine.RequestEnv{})

			mu.Lock()
			running[w.ID()] = false
			mu.Unlock()

			if err != nil {
				p.Release(w, model.OutcomeCrash)
				return
			}
			p.Release(w, model.OutcomeOK)
		}()
	}
	wg.Wait()
}

func TestSecondRunOnSameWorkerFails(t *testing.T) {
	eng := &enginetest.Engine{HangRuns: true}
	p := newTestPool(t, testConfig(1, 1), eng)
	drainEvents(p)

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx, "public/index.php", engine.RequestEnv{})
	time.Sleep(20 * time.Millisecond)

	if _, err := w.Run(context.Background(), "public/index.php", engine.RequestEnv{}); !errors.Is(err, pool.ErrNotIdle) {
		t.Fatalf("second Run err = %v, want ErrNotIdle", err)
	}
	p.Release(w, model.OutcomeTimeout)
}

func TestRecycleAfterMaxRequestsPerWorker(t *testing.T) {
	cfg := testConfig(1, 4)
	cfg.MaxRequestsPerWorker = 2
	eng := &enginetest.Engine{}
	p := newTestPool(t, cfg, eng)
	drainEvents(p)

	var lastBody []byte
	firstID := ""
	for i := 0; i < 2; i++ {
		w, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if firstID == "" {
			firstID = w.ID()
		}
		res, err := w.Run(context.Background(), "public/index.php", engine.RequestEnv{})
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		lastBody = res.Body
		p.Release(w, model.OutcomeOK)
	}

	// The threshold-hitting request itself succeeded.
	if string(lastBody) != "ok" {
		t.Errorf("threshold request body = %q, want ok", lastBody)
	}

	// A replacement worker takes over.
	waitFor(t, time.Second, func() bool {
		w, err := p.Acquire(contextWithTimeout(t, time.Second))
		if err != nil {
			return false
		}
		defer p.Release(w, model.OutcomeOK)
		return w.ID() != firstID
	})

	if eng.SpawnCount() < 2 {
		t.Errorf("spawn count = %d, want >= 2 (original + recycle replacement)", eng.SpawnCount())
	}
}

func TestCrashVacatesSlotAndNotifies(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 1), eng)

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(w, model.OutcomeCrash)

	ev := waitForEvent(t, p, pool.EventCrash)
	if ev.WorkerID != w.ID() {
		t.Errorf("event worker = %s, want %s", ev.WorkerID, w.ID())
	}
	if ev.Cause != model.OutcomeCrash {
		t.Errorf("event cause = %q, want %q", ev.Cause, model.OutcomeCrash)
	}

	// The slot stays unfilled until the supervisor replaces it.
	snap := p.Snapshot()
	if len(snap.Workers) != 0 {
		t.Errorf("workers after crash = %d, want 0", len(snap.Workers))
	}
}

func TestIdleProcessDeathDetected(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 1), eng)

	// Kill the idle worker's process out from under the pool.
	eng.Spawned()[0].Kill()

	ev := waitForEvent(t, p, pool.EventCrash)
	if ev.Slot != 0 {
		t.Errorf("event slot = %d, want 0", ev.Slot)
	}
}

func TestRotateDrainsOldGenerationWithoutInterrupting(t *testing.T) {
	eng := &enginetest.Engine{RunDelay: 100 * time.Millisecond}
	p := newTestPool(t, testConfig(2, 8), eng)
	drainEvents(p)

	oldGen := p.Generation()

	// One in-flight request on an old worker.
	inFlight, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	runDone := make(chan error, 1)
	go func() {
		_, err := inFlight.Run(context.Background(), "public/index.php", engine.RequestEnv{})
		runDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	newGen := p.Rotate()
	if newGen != oldGen+1 {
		t.Fatalf("Rotate = %d, want %d", newGen, oldGen+1)
	}

	// The in-flight request completes against the old worker.
	if err := <-runDone; err != nil {
		t.Fatalf("in-flight run failed across rotation: %v", err)
	}
	p.Release(inFlight, model.OutcomeOK)

	// Subsequent acquires only see new-generation workers.
	waitFor(t, 2*time.Second, func() bool {
		w, err := p.Acquire(contextWithTimeout(t, time.Second))
		if err != nil {
			return false
		}
		defer p.Release(w, model.OutcomeOK)
		return w.Generation() == newGen
	})
}

func TestDrainFailsWaitersAndRejectsNewWork(t *testing.T) {
	eng := &enginetest.Engine{}
	p := newTestPool(t, testConfig(1, 4), eng)
	drainEvents(p)

	busy, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	waitForQueueLen(t, p, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(busy, model.OutcomeOK)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)

	if err := <-waitErr; !errors.Is(err, pool.ErrClosed) {
		t.Errorf("queued acquire err = %v, want ErrClosed", err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, pool.ErrClosed) {
		t.Errorf("post-drain acquire err = %v, want ErrClosed", err)
	}
}

func TestDrainForceTerminatesStuckWorker(t *testing.T) {
	eng := &enginetest.Engine{HangRuns: true}
	p := newTestPool(t, testConfig(1, 1), eng)
	drainEvents(p)

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go w.Run(context.Background(), "public/index.php", engine.RequestEnv{})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	p.Drain(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Drain took %s, want prompt forced termination", elapsed)
	}

	snap := p.Snapshot()
	if len(snap.Workers) != 0 {
		t.Errorf("workers after forced drain = %d, want 0", len(snap.Workers))
	}
}

// Helpers.

func contextWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func waitForQueueLen(t *testing.T, p *pool.Pool, n int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		return p.Snapshot().QueueLen == n
	})
}

func waitForEvent(t *testing.T, p *pool.Pool, kind string) pool.WorkerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event within 2s", kind)
		}
	}
}
