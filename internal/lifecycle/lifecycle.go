// Package lifecycle drives the pool through startup, reload, and shutdown.
// It prewarms workers before the listener opens, rotates generations when
// the application code changes on disk (or an operator asks), and drains
// the pool on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/pool"
	"github.com/phpx-sh/phpxd/internal/supervisor"
)

// Controller owns the pool's lifecycle outside individual requests.
type Controller struct {
	cfg    config.Config
	pool   *pool.Pool
	sup    *supervisor.Supervisor
	logger *slog.Logger
}

// New creates a controller. Watch and Shutdown are optional phases; Prewarm
// is not.
func New(cfg config.Config, p *pool.Pool, sup *supervisor.Supervisor, logger *slog.Logger) *Controller {
	return &Controller{cfg: cfg, pool: p, sup: sup, logger: logger}
}

// Prewarm starts minWarmWorkers synchronously so the listener only opens
// with warm capacity behind it. The first worker's engine identity is
// logged once as a startup diagnostic.
func (c *Controller) Prewarm(ctx context.Context) error {
	start := time.Now()
	for slot := 0; slot < c.cfg.MinWarmWorkers; slot++ {
		if err := c.pool.StartWorker(ctx, slot); err != nil {
			return fmt.Errorf("prewarm slot %d: %w", slot, err)
		}
	}

	snap := c.pool.Snapshot()
	c.logger.Info("pool prewarmed",
		"workers", len(snap.Workers),
		"engine_version", snap.EngineVersion,
		"elapsed", time.Since(start),
	)
	return nil
}

// Reload rotates the worker generation: new requests run against freshly
// started workers while in-flight ones finish on the code they started
// with. Crash-looped slots are revived, since new code is the plausible
// fix for whatever kept killing them.
func (c *Controller) Reload(ctx context.Context, reason string) uint64 {
	gen := c.pool.Rotate()
	c.logger.Info("rolling reload", "generation", gen, "reason", reason)
	c.sup.Revive(ctx)
	return gen
}

// Watch reloads on changes under the application directory, debounced so a
// multi-file deploy triggers one rotation, not one per file. It blocks
// until ctx is cancelled; callers run it in its own goroutine.
func (c *Controller) Watch(ctx context.Context) error {
	if c.cfg.WatchDisabled {
		return nil
	}
	dir := filepath.Dir(c.cfg.Entrypoint)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.logger.Info("watching application directory", "dir", dir, "debounce", c.cfg.ReloadDebounce)

	var (
		debounce = time.NewTimer(c.cfg.ReloadDebounce)
		pending  bool
	)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			c.logger.Debug("application change observed", "path", ev.Name, "op", ev.Op.String())
			if pending && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(c.cfg.ReloadDebounce)
			pending = true
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watcher error", "error", err)
		case <-debounce.C:
			pending = false
			c.Reload(ctx, "application change on disk")
		}
	}
}

// Shutdown drains the pool: admission stops, busy workers get drainTimeout
// to finish, stragglers are force-terminated.
func (c *Controller) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()

	start := time.Now()
	c.pool.Drain(ctx)
	c.logger.Info("pool drained", "elapsed", time.Since(start))
}
