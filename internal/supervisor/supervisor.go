// Package supervisor restores crashed workers. It consumes the pool's
// crash/success notifications, schedules replacements with per-slot
// exponential backoff, and trips a circuit breaker for slots that crash
// repeatedly inside a sliding window, leaving them unfilled rather than
// burning CPU on a restart loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/model"
	"github.com/phpx-sh/phpxd/internal/pool"
	"github.com/phpx-sh/phpxd/internal/store"
)

// SlotHealth is the supervisor's view of one pool slot, exposed on the
// status endpoint.
type SlotHealth struct {
	Slot               int       `json:"slot"`
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	WindowCrashes      int       `json:"window_crashes"`
	Broken             bool      `json:"broken"`
	LastCrash          time.Time `json:"last_crash,omitempty"`
}

type slotState struct {
	consecutive int
	crashes     []time.Time // crash instants inside the sliding window
	broken      bool
	lastCrash   time.Time
}

// Supervisor watches pool events and keeps slots filled.
type Supervisor struct {
	cfg     config.Config
	pool    *pool.Pool
	journal store.Store
	logger  *slog.Logger

	mu    sync.Mutex
	slots []slotState

	wg sync.WaitGroup
}

// New creates a supervisor for the given pool. Run must be started for it
// to act on events.
func New(cfg config.Config, p *pool.Pool, journal store.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		pool:    p,
		journal: journal,
		logger:  logger,
		slots:   make([]slotState, cfg.MaxWorkers),
	}
}

// Run consumes pool events until ctx is cancelled. It blocks; callers run
// it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case ev := <-s.pool.Events():
			switch ev.Kind {
			case pool.EventSuccess:
				s.handleSuccess(ev)
			case pool.EventCrash:
				s.handleCrash(ctx, ev)
			}
		}
	}
}

// handleSuccess resets the slot's consecutive-crash counter. A worker that
// serves a request is healthy again, whatever its slot's history.
func (s *Supervisor) handleSuccess(ev pool.WorkerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Slot < 0 || ev.Slot >= len(s.slots) {
		return
	}
	s.slots[ev.Slot].consecutive = 0
}

func (s *Supervisor) handleCrash(ctx context.Context, ev pool.WorkerEvent) {
	s.mu.Lock()
	st := &s.slots[ev.Slot]
	if st.broken {
		s.mu.Unlock()
		return
	}

	now := ev.At
	if now.IsZero() {
		now = time.Now()
	}
	st.lastCrash = now
	st.crashes = append(st.crashes, now)
	st.crashes = pruneWindow(st.crashes, now.Add(-s.cfg.CrashLoopWindow))

	if len(st.crashes) >= s.cfg.CrashLoopThreshold {
		st.broken = true
		broken := s.brokenLocked()
		s.mu.Unlock()

		brokenSlots.Set(float64(broken))
		crashLoopsTotal.Inc()
		s.logger.Error("crash loop detected, leaving slot unfilled",
			"slot", ev.Slot,
			"crashes_in_window", s.cfg.CrashLoopThreshold,
			"window", s.cfg.CrashLoopWindow,
			"cause", ev.Cause,
		)
		s.record(ctx, model.EventCrashLoop, ev.WorkerID, ev.Slot,
			fmt.Sprintf("%d crashes within %s", s.cfg.CrashLoopThreshold, s.cfg.CrashLoopWindow))
		return
	}

	delay := s.backoff(st.consecutive)
	st.consecutive++
	s.mu.Unlock()

	s.logger.Info("scheduling worker replacement",
		"slot", ev.Slot,
		"backoff", delay,
		"cause", ev.Cause,
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		restartsTotal.Inc()
		if err := s.pool.StartWorker(ctx, ev.Slot); err != nil && !errors.Is(err, pool.ErrClosed) {
			// The spawn failure re-enters as a crash event and backs off
			// further; nothing else to do here.
			s.logger.Warn("worker replacement failed", "slot", ev.Slot, "error", err)
		}
	}()
}

// backoff returns min(base * 2^n, max) for the n-th consecutive restart.
func (s *Supervisor) backoff(n int) time.Duration {
	d := s.cfg.RestartBackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.cfg.RestartBackoffMax {
			return s.cfg.RestartBackoffMax
		}
	}
	if d > s.cfg.RestartBackoffMax {
		return s.cfg.RestartBackoffMax
	}
	return d
}

// Healthy reports whether at least one slot can hold a worker.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokenLocked() < len(s.slots)
}

// Health snapshots every slot for the status endpoint.
func (s *Supervisor) Health() []SlotHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]SlotHealth, len(s.slots))
	for i := range s.slots {
		st := &s.slots[i]
		out[i] = SlotHealth{
			Slot:               i,
			ConsecutiveCrashes: st.consecutive,
			WindowCrashes:      len(pruneWindow(st.crashes, now.Add(-s.cfg.CrashLoopWindow))),
			Broken:             st.broken,
			LastCrash:          st.lastCrash,
		}
	}
	return out
}

// Revive re-arms broken slots and starts fresh workers in them. It is the
// recovery path of the circuit breaker, invoked on reload: new application
// code is the plausible fix for a script that kept killing its workers.
func (s *Supervisor) Revive(ctx context.Context) {
	s.mu.Lock()
	var revived []int
	for i := range s.slots {
		if s.slots[i].broken {
			s.slots[i] = slotState{}
			revived = append(revived, i)
		}
	}
	s.mu.Unlock()

	if len(revived) == 0 {
		return
	}
	brokenSlots.Set(0)
	for _, slot := range revived {
		s.logger.Info("reviving crash-looped slot", "slot", slot)
		if err := s.pool.StartWorker(ctx, slot); err != nil && !errors.Is(err, pool.ErrClosed) {
			s.logger.Warn("revive failed", "slot", slot, "error", err)
		}
	}
}

func (s *Supervisor) brokenLocked() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].broken {
			n++
		}
	}
	return n
}

func (s *Supervisor) record(ctx context.Context, eventType, workerID string, slot int, detail string) {
	if s.journal == nil {
		return
	}
	e := &model.Event{
		Type:      eventType,
		WorkerID:  workerID,
		Slot:      slot,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.journal.RecordEvent(ctx, e); err != nil {
		s.logger.Error("record event", "type", eventType, "error", err)
	}
}

// pruneWindow drops crash instants at or before the cutoff.
func pruneWindow(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
