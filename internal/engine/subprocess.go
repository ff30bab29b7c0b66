package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// Dial defaults for the worker socket. The engine process creates the socket
// once its interpreter is initialized, so the first attempts usually lose.
const (
	dialBaseBackoff = 50 * time.Millisecond
	dialMaxBackoff  = time.Second

	defaultSpawnTimeout = 10 * time.Second
)

// SubprocessConfig configures how engine worker processes are launched.
type SubprocessConfig struct {
	// Bin is the engine binary. It must understand the worker-socket
	// protocol: listen on --socket, announce a hello frame, then serve
	// run/reset frames until killed.
	Bin string

	// Args are prepended before the worker-mode arguments.
	Args []string

	// SpawnTimeout bounds process start plus socket dial plus hello.
	SpawnTimeout time.Duration
}

// SubprocessEngine launches one engine process per execution context and
// speaks the frame protocol to it over a unix socket.
type SubprocessEngine struct {
	cfg    SubprocessConfig
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Engine = (*SubprocessEngine)(nil)

// NewSubprocessEngine creates an engine that spawns cfg.Bin in worker mode.
func NewSubprocessEngine(cfg SubprocessConfig, logger *slog.Logger) *SubprocessEngine {
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	return &SubprocessEngine{cfg: cfg, logger: logger}
}

// Spawn starts one engine worker process, connects to its socket, and reads
// the hello frame. The returned Process owns the child until Kill or exit.
func (e *SubprocessEngine) Spawn(ctx context.Context) (Process, error) {
	dir, err := os.MkdirTemp("", "phpxd-worker-")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	sock := filepath.Join(dir, "engine.sock")

	args := append(append([]string{}, e.cfg.Args...), "worker", "--socket", sock)
	cmd := exec.Command(e.cfg.Bin, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start engine %s: %w", e.cfg.Bin, err)
	}

	p := &subprocess{
		cmd:  cmd,
		dir:  dir,
		done: make(chan struct{}),
	}

	// Relay engine diagnostics to the structured log.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Debug("engine stderr", "pid", cmd.Process.Pid, "line", scanner.Text())
		}
	}()

	// Observe process exit. The done channel is the crash signal consumed
	// by the owning worker.
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
		os.RemoveAll(dir)
	}()

	spawnCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, e.cfg.SpawnTimeout)
		defer cancel()
	}

	conn, err := dialWorkerSocket(spawnCtx, sock, p.done)
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("connect to engine: %w", err)
	}
	p.conn = conn

	if deadline, ok := spawnCtx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	hello, err := readFrame(conn)
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if hello.Type != frameHello || hello.Identity == nil {
		p.Kill()
		return nil, fmt.Errorf("unexpected first frame %q, want hello", hello.Type)
	}
	p.identity = *hello.Identity

	return p, nil
}

// dialWorkerSocket connects to the engine's unix socket, retrying with
// exponential backoff until the context expires or the process dies.
func dialWorkerSocket(ctx context.Context, sock string, died <-chan struct{}) (net.Conn, error) {
	dialer := net.Dialer{}
	backoff := dialBaseBackoff

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last: %v)", sock, ctx.Err(), lastErr)
		case <-died:
			return nil, fmt.Errorf("dial %s: %w (last: %v)", sock, ErrProcessExited, lastErr)
		default:
		}

		conn, err := dialer.DialContext(ctx, "unix", sock)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last: %v)", sock, ctx.Err(), lastErr)
		case <-died:
			return nil, fmt.Errorf("dial %s: %w (last: %v)", sock, ErrProcessExited, lastErr)
		}
		backoff = min(backoff*2, dialMaxBackoff)
	}
}

// subprocess is the Process implementation backed by one child OS process.
// All Run/Reset calls are serialized by the owning worker; the mutex only
// guards against Kill racing an in-flight exchange.
type subprocess struct {
	cmd      *exec.Cmd
	conn     net.Conn
	dir      string
	identity Identity

	done    chan struct{}
	exitErr error

	killOnce sync.Once
}

var _ Process = (*subprocess)(nil)

func (p *subprocess) Identity() Identity { return p.identity }

func (p *subprocess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *subprocess) Done() <-chan struct{} { return p.done }

// Run sends a run frame and blocks for the result. The context deadline is
// applied to the socket; on expiry the returned error wraps
// context.DeadlineExceeded and the caller must Kill the process.
func (p *subprocess) Run(ctx context.Context, script string, env RequestEnv) (Result, error) {
	select {
	case <-p.done:
		return Result{}, ErrProcessExited
	default:
	}

	f, err := p.exchange(ctx, &frame{Type: frameRun, Script: script, Env: &env})
	if err != nil {
		return Result{}, err
	}

	switch f.Type {
	case frameResult:
		if f.Result == nil {
			return Result{}, fmt.Errorf("result frame with no result")
		}
		return *f.Result, nil
	case frameError:
		// The engine survived but could not run the script.
		return Result{ExitCode: 1, Error: f.Error}, nil
	default:
		return Result{}, fmt.Errorf("unexpected frame %q, want result", f.Type)
	}
}

// Reset clears per-request engine state between runs.
func (p *subprocess) Reset(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}

	f, err := p.exchange(ctx, &frame{Type: frameReset})
	if err != nil {
		return err
	}
	if f.Type != frameOK {
		return fmt.Errorf("unexpected frame %q, want ok", f.Type)
	}
	return nil
}

// exchange writes one frame and reads one reply under the context deadline.
func (p *subprocess) exchange(ctx context.Context, out *frame) (*frame, error) {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if err := p.conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
		defer p.conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(p.conn, out); err != nil {
		return nil, p.exchangeErr(ctx, err)
	}

	f, err := readFrame(p.conn)
	if err != nil {
		return nil, p.exchangeErr(ctx, err)
	}
	return f, nil
}

// exchangeErr classifies a socket failure: deadline expiry surfaces the
// context error so callers can tell a hang from a crash.
func (p *subprocess) exchangeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("engine exchange: %w", ctx.Err())
	}
	select {
	case <-p.done:
		return fmt.Errorf("engine exchange: %w", ErrProcessExited)
	default:
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("engine exchange: %w", context.DeadlineExceeded)
	}
	return fmt.Errorf("engine exchange: %w", err)
}

// Kill force-terminates the engine process. The exit observer closes done
// and removes the socket directory.
func (p *subprocess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.conn != nil {
			p.conn.Close()
		}
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
