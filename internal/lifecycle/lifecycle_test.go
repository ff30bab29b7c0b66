package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/engine/enginetest"
	"github.com/phpx-sh/phpxd/internal/lifecycle"
	"github.com/phpx-sh/phpxd/internal/pool"
	"github.com/phpx-sh/phpxd/internal/supervisor"
)

func testConfig(entrypoint string) config.Config {
	return config.Config{
		MaxWorkers:           2,
		MinWarmWorkers:       2,
		QueueDepth:           4,
		MaxRequestsPerWorker: 1000,
		RequestTimeout:       5 * time.Second,
		DrainTimeout:         time.Second,
		RestartBackoffBase:   5 * time.Millisecond,
		RestartBackoffMax:    20 * time.Millisecond,
		CrashLoopThreshold:   5,
		CrashLoopWindow:      time.Minute,
		ReloadDebounce:       50 * time.Millisecond,
		Entrypoint:           entrypoint,
	}
}

func newController(t *testing.T, cfg config.Config, eng *enginetest.Engine) (*lifecycle.Controller, *pool.Pool) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	p := pool.New(cfg, eng, nil, logger)
	sup := supervisor.New(cfg, p, nil, logger)
	go func() {
		for range p.Events() {
		}
	}()
	return lifecycle.New(cfg, p, sup, logger), p
}

func TestPrewarmStartsMinWarmWorkers(t *testing.T) {
	eng := &enginetest.Engine{}
	c, p := newController(t, testConfig("public/index.php"), eng)
	defer c.Shutdown()

	if err := c.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}

	if eng.SpawnCount() != 2 {
		t.Errorf("spawns = %d, want 2", eng.SpawnCount())
	}
	snap := p.Snapshot()
	if len(snap.Workers) != 2 {
		t.Errorf("workers = %d, want 2", len(snap.Workers))
	}
	if snap.EngineVersion == "" {
		t.Error("engine version not captured at prewarm")
	}
}

func TestPrewarmFailsWhenEngineCannotSpawn(t *testing.T) {
	eng := &enginetest.Engine{SpawnErr: errors.New("no such binary")}
	c, _ := newController(t, testConfig("public/index.php"), eng)

	if err := c.Prewarm(context.Background()); err == nil {
		t.Fatal("Prewarm succeeded with a broken engine")
	}
}

func TestReloadAdvancesGeneration(t *testing.T) {
	eng := &enginetest.Engine{}
	c, p := newController(t, testConfig("public/index.php"), eng)
	defer c.Shutdown()

	if err := c.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}

	before := p.Generation()
	got := c.Reload(context.Background(), "test")
	if got != before+1 {
		t.Errorf("Reload = %d, want %d", got, before+1)
	}
}

func TestWatchDebouncedReloadOnFileChange(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "index.php")
	if err := os.WriteFile(entry, []byte("<?php echo 1;"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := &enginetest.Engine{}
	c, p := newController(t, testConfig(entry), eng)
	defer c.Shutdown()
	if err := c.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	before := p.Generation()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- c.Watch(ctx) }()

	// A burst of writes collapses into one rotation.
	time.Sleep(50 * time.Millisecond) // let the watcher register
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(entry, []byte("<?php echo 2;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Generation() > before {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.Generation(); got != before+1 {
		t.Fatalf("generation = %d, want %d (one debounced rotation)", got, before+1)
	}

	cancel()
	if err := <-watchErr; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestWatchDisabled(t *testing.T) {
	cfg := testConfig("public/index.php")
	cfg.WatchDisabled = true
	eng := &enginetest.Engine{}
	c, _ := newController(t, cfg, eng)

	if err := c.Watch(context.Background()); err != nil {
		t.Errorf("Watch with watching disabled: %v", err)
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	eng := &enginetest.Engine{}
	c, _ := newController(t, testConfig(filepath.Join(t.TempDir(), "gone", "index.php")), eng)

	if err := c.Watch(context.Background()); err == nil {
		t.Error("Watch succeeded on a missing directory")
	}
}

func TestShutdownStopsAdmission(t *testing.T) {
	eng := &enginetest.Engine{}
	c, p := newController(t, testConfig("public/index.php"), eng)

	if err := c.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	c.Shutdown()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, pool.ErrClosed) {
		t.Errorf("Acquire after shutdown err = %v, want ErrClosed", err)
	}
}
