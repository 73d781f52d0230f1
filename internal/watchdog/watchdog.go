// Package watchdog stops the actuator when control traffic goes quiet.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/telepresence/internal/clock"
)

const (
	DefaultInactivity    = 900 * time.Millisecond
	DefaultCheckInterval = 250 * time.Millisecond
)

// Stopper issues the actual stop. The bridge implements it and turns the
// call into a logged no-op when it cannot reach the device.
type Stopper interface {
	SafetyStop(reason string)
}

type Config struct {
	Inactivity    time.Duration
	CheckInterval time.Duration
}

// Watchdog fires at most one stop per inactivity window. Safe for
// concurrent use.
type Watchdog struct {
	cfg     Config
	clock   clock.Clock
	stopper Stopper
	logger  *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

func New(cfg Config, clk clock.Clock, stopper Stopper, logger *slog.Logger) *Watchdog {
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultInactivity
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Watchdog{
		cfg:          cfg,
		clock:        clk,
		stopper:      stopper,
		logger:       logger,
		lastActivity: clk.Now(),
	}
}

// MarkActivity records an inbound control message.
func (w *Watchdog) MarkActivity() {
	w.mu.Lock()
	w.lastActivity = w.clock.Now()
	w.mu.Unlock()
}

// LastActivity returns the time of the most recent control message.
func (w *Watchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Check fires a stop when the link has been idle longer than the
// inactivity threshold, then resets the activity clock so the next stop
// needs another full window. It reports whether a stop fired.
func (w *Watchdog) Check() bool {
	now := w.clock.Now()

	w.mu.Lock()
	idle := now.Sub(w.lastActivity)
	if idle <= w.cfg.Inactivity {
		w.mu.Unlock()
		return false
	}
	w.lastActivity = now
	w.mu.Unlock()

	w.fire("inactivity", idle)
	return true
}

// Trigger issues a stop immediately, regardless of activity.
func (w *Watchdog) Trigger(reason string) {
	w.fire(reason, 0)
}

func (w *Watchdog) fire(reason string, idle time.Duration) {
	if idle > 0 {
		w.logger.Info("safety stop ("+reason+")", "dir", "SYS", "src", "SAFETY", "idle_ms", idle.Milliseconds())
	} else {
		w.logger.Info("safety stop ("+reason+")", "dir", "SYS", "src", "SAFETY")
	}
	w.stopper.SafetyStop(reason)
}

// Start runs Check every CheckInterval until Stop is called or ctx is
// done. Starting a running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.lastActivity = w.clock.Now()
	w.mu.Unlock()

	go w.loop(ctx, done)
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := w.clock.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Stop halts the periodic check and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Follow runs the periodic check while armed is true, for wiring to a
// bridge's state changes.
func (w *Watchdog) Follow(ctx context.Context, armed bool) {
	if armed {
		w.Start(ctx)
		return
	}
	w.Stop()
}

// Running reports whether the periodic check is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}
