// Package enginetest provides a controllable in-memory Engine for tests.
// It mirrors the external engine contract without spawning processes: runs
// take a configurable time, and crashes are triggered on demand or scheduled
// per spawn.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phpx-sh/phpxd/internal/engine"
)

// Engine is a fake engine.Engine. The zero value spawns processes that
// complete every run immediately with exit code 0.
type Engine struct {
	// RunDelay is how long each Run blocks before returning.
	RunDelay time.Duration

	// RunBody is the body every successful Run returns.
	RunBody []byte

	// RunStatus is the application-indicated status each Run reports.
	RunStatus int

	// SpawnErr, when set, makes every Spawn fail.
	SpawnErr error

	// CrashFirstN makes the first N spawned processes die on their first Run.
	CrashFirstN int

	// HangRuns makes Run block until the context deadline, simulating a
	// hung script. The process stays alive until killed.
	HangRuns bool

	mu      sync.Mutex
	spawned []*Process
	crashed int
	spawns  atomic.Int64
}

var _ engine.Engine = (*Engine)(nil)

// Spawn creates a fake process.
func (e *Engine) Spawn(ctx context.Context) (engine.Process, error) {
	if e.SpawnErr != nil {
		return nil, e.SpawnErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	n := e.spawns.Add(1)

	e.mu.Lock()
	crashOnRun := e.crashed < e.CrashFirstN
	if crashOnRun {
		e.crashed++
	}
	p := &Process{
		eng:        e,
		pid:        int(n),
		done:       make(chan struct{}),
		crashOnRun: crashOnRun,
	}
	e.spawned = append(e.spawned, p)
	e.mu.Unlock()

	return p, nil
}

// Spawned returns all processes spawned so far, in order.
func (e *Engine) Spawned() []*Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Process{}, e.spawned...)
}

// SpawnCount reports how many processes have been spawned.
func (e *Engine) SpawnCount() int {
	return int(e.spawns.Load())
}

// Process is a fake engine.Process.
type Process struct {
	eng        *Engine
	pid        int
	crashOnRun bool

	mu     sync.Mutex
	runs   int
	resets int

	killOnce sync.Once
	done     chan struct{}
}

var _ engine.Process = (*Process)(nil)

// Run blocks for the configured delay, then reports the configured result.
func (p *Process) Run(ctx context.Context, script string, env engine.RequestEnv) (engine.Result, error) {
	select {
	case <-p.done:
		return engine.Result{}, engine.ErrProcessExited
	default:
	}

	p.mu.Lock()
	p.runs++
	crash := p.crashOnRun
	p.mu.Unlock()

	if crash {
		p.Kill()
		return engine.Result{}, fmt.Errorf("run: %w", engine.ErrProcessExited)
	}

	if p.eng.HangRuns {
		select {
		case <-ctx.Done():
			return engine.Result{}, fmt.Errorf("run: %w", ctx.Err())
		case <-p.done:
			return engine.Result{}, fmt.Errorf("run: %w", engine.ErrProcessExited)
		}
	}

	if p.eng.RunDelay > 0 {
		select {
		case <-time.After(p.eng.RunDelay):
		case <-ctx.Done():
			return engine.Result{}, fmt.Errorf("run: %w", ctx.Err())
		case <-p.done:
			return engine.Result{}, fmt.Errorf("run: %w", engine.ErrProcessExited)
		}
	}

	status := p.eng.RunStatus
	body := p.eng.RunBody
	if body == nil {
		body = []byte("ok")
	}
	return engine.Result{ExitCode: 0, Status: status, Body: body}, nil
}

// Reset records the call and succeeds while the process is alive.
func (p *Process) Reset(ctx context.Context) error {
	select {
	case <-p.done:
		return engine.ErrProcessExited
	default:
	}
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

// Runs reports how many times Run was entered.
func (p *Process) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// Resets reports how many times Reset was called.
func (p *Process) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *Process) Identity() engine.Identity {
	return engine.Identity{Version: "8.3.0-test", VersionID: 80300}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Done() <-chan struct{} { return p.done }

// Kill terminates the fake process, closing Done.
func (p *Process) Kill() error {
	p.killOnce.Do(func() { close(p.done) })
	return nil
}
