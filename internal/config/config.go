package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable. Queue depth, backoff constants and the
// crash-loop threshold are deliberately tunable rather than contractual.
const (
	defaultListenAddr      = ":8080"
	defaultEngineBin       = "phpx"
	defaultEntrypoint      = "public/index.php"
	defaultEventDBPath     = "phpxd-events.db"
	defaultMaxWorkers      = 8
	defaultMinWarmWorkers  = 2
	defaultQueueDepth      = 64
	defaultMaxRequests     = 500
	defaultRequestTimeout  = 30 * time.Second
	defaultDrainTimeout    = 15 * time.Second
	defaultBackoffBase     = 100 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultCrashLoopMax    = 5
	defaultCrashLoopWindow = time.Minute
	defaultMaxBodyBytes    = 10 << 20
	defaultReloadDebounce  = 500 * time.Millisecond
)

// Environment variable names.
const (
	envListenAddr      = "PHPXD_LISTEN_ADDR"
	envEngineBin       = "PHPXD_ENGINE_BIN"
	envEntrypoint      = "PHPXD_ENTRYPOINT"
	envEventDBPath     = "PHPXD_EVENT_DB_PATH"
	envMaxWorkers      = "PHPXD_MAX_WORKERS"
	envMinWarmWorkers  = "PHPXD_MIN_WARM_WORKERS"
	envQueueDepth      = "PHPXD_QUEUE_DEPTH"
	envMaxRequests     = "PHPXD_MAX_REQUESTS_PER_WORKER"
	envRequestTimeout  = "PHPXD_REQUEST_TIMEOUT"
	envDrainTimeout    = "PHPXD_DRAIN_TIMEOUT"
	envBackoffBase     = "PHPXD_RESTART_BACKOFF_BASE"
	envBackoffMax      = "PHPXD_RESTART_BACKOFF_MAX"
	envCrashLoopMax    = "PHPXD_CRASH_LOOP_THRESHOLD"
	envCrashLoopWindow = "PHPXD_CRASH_LOOP_WINDOW"
	envMaxBodyBytes    = "PHPXD_MAX_BODY_BYTES"
	envReloadDebounce  = "PHPXD_RELOAD_DEBOUNCE"
	envWatchDisabled   = "PHPXD_DISABLE_WATCH"
	envLogLevel        = "PHPXD_LOG_LEVEL"
)

// Config holds the full server configuration. It is constructed once at
// startup and never mutated afterwards; a reload rotates workers against the
// same Config rather than editing it in place.
type Config struct {
	ListenAddr  string
	EngineBin   string
	Entrypoint  string
	EventDBPath string

	MaxWorkers           int
	MinWarmWorkers       int
	QueueDepth           int
	MaxRequestsPerWorker int

	RequestTimeout time.Duration
	DrainTimeout   time.Duration

	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration

	MaxBodyBytes   int64
	ReloadDebounce time.Duration
	WatchDisabled  bool

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
// Invalid numeric or duration values fall back to the default for that key.
func Load() Config {
	cfg := Config{
		ListenAddr:           defaultListenAddr,
		EngineBin:            defaultEngineBin,
		Entrypoint:           defaultEntrypoint,
		EventDBPath:          defaultEventDBPath,
		MaxWorkers:           defaultMaxWorkers,
		MinWarmWorkers:       defaultMinWarmWorkers,
		QueueDepth:           defaultQueueDepth,
		MaxRequestsPerWorker: defaultMaxRequests,
		RequestTimeout:       defaultRequestTimeout,
		DrainTimeout:         defaultDrainTimeout,
		RestartBackoffBase:   defaultBackoffBase,
		RestartBackoffMax:    defaultBackoffMax,
		CrashLoopThreshold:   defaultCrashLoopMax,
		CrashLoopWindow:      defaultCrashLoopWindow,
		MaxBodyBytes:         defaultMaxBodyBytes,
		ReloadDebounce:       defaultReloadDebounce,
		LogLevel:             slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envEngineBin); v != "" {
		cfg.EngineBin = v
	}
	if v := os.Getenv(envEntrypoint); v != "" {
		cfg.Entrypoint = v
	}
	if v := os.Getenv(envEventDBPath); v != "" {
		cfg.EventDBPath = v
	}
	cfg.MaxWorkers = intEnv(envMaxWorkers, cfg.MaxWorkers)
	cfg.MinWarmWorkers = intEnv(envMinWarmWorkers, cfg.MinWarmWorkers)
	cfg.QueueDepth = intEnv(envQueueDepth, cfg.QueueDepth)
	cfg.MaxRequestsPerWorker = intEnv(envMaxRequests, cfg.MaxRequestsPerWorker)
	cfg.RequestTimeout = durationEnv(envRequestTimeout, cfg.RequestTimeout)
	cfg.DrainTimeout = durationEnv(envDrainTimeout, cfg.DrainTimeout)
	cfg.RestartBackoffBase = durationEnv(envBackoffBase, cfg.RestartBackoffBase)
	cfg.RestartBackoffMax = durationEnv(envBackoffMax, cfg.RestartBackoffMax)
	cfg.CrashLoopThreshold = intEnv(envCrashLoopMax, cfg.CrashLoopThreshold)
	cfg.CrashLoopWindow = durationEnv(envCrashLoopWindow, cfg.CrashLoopWindow)
	if v := intEnv(envMaxBodyBytes, int(cfg.MaxBodyBytes)); v > 0 {
		cfg.MaxBodyBytes = int64(v)
	}
	cfg.ReloadDebounce = durationEnv(envReloadDebounce, cfg.ReloadDebounce)
	if v := os.Getenv(envWatchDisabled); v != "" {
		cfg.WatchDisabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

// Validate checks cross-field constraints that cannot be repaired by falling
// back to a default.
func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be > 0, got %d", c.MaxWorkers)
	}
	if c.MinWarmWorkers < 0 || c.MinWarmWorkers > c.MaxWorkers {
		return fmt.Errorf("min warm workers %d out of range [0, %d]", c.MinWarmWorkers, c.MaxWorkers)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("queue depth must be >= 0, got %d", c.QueueDepth)
	}
	if c.MaxRequestsPerWorker <= 0 {
		return fmt.Errorf("max requests per worker must be > 0, got %d", c.MaxRequestsPerWorker)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0, got %s", c.RequestTimeout)
	}
	if c.RestartBackoffBase <= 0 || c.RestartBackoffMax < c.RestartBackoffBase {
		return fmt.Errorf("restart backoff range [%s, %s] is invalid", c.RestartBackoffBase, c.RestartBackoffMax)
	}
	if c.CrashLoopThreshold <= 0 {
		return fmt.Errorf("crash loop threshold must be > 0, got %d", c.CrashLoopThreshold)
	}
	if c.Entrypoint == "" {
		return fmt.Errorf("entrypoint must not be empty")
	}
	return nil
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
