// Package connwatch monitors the services the concierge depends on
// (model providers, the recommendation service, the database) and
// reports their reachability to /health and the event bus.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff until the first success or until
//     the retry budget runs out.
//  2. Background: periodic polling that fires OnReady and OnDown on
//     state transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first startup retry delay; it doubles each attempt.
	Initial time.Duration
	// Max caps a single startup delay.
	Max time.Duration
	// Retries bounds the startup phase.
	Retries uint64
	// PollInterval is the background probe period.
	PollInterval time.Duration
	// ProbeTimeout bounds one probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s, ten times,
// then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Retries:      10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Retries == 0 {
		b.Retries = d.Retries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config describes one watched service.
type Config struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)
}

// Status is a service's health as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the watcher's current view of its service.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff

	backoff := retry.WithMaxRetries(b.Retries, retry.WithCappedDuration(b.Max, retry.NewExponential(b.Initial)))
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := w.check(ctx); err != nil {
			w.logger.Debug("startup probe failed", "service", w.cfg.Name, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.logger.Warn("service unreachable at startup, polling in background",
			"service", w.cfg.Name, "attempts", attempts, "error", err)
	} else {
		w.logger.Info("service connected", "service", w.cfg.Name, "attempts", attempts)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.check(ctx)
		}
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasReady := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
	return err
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts watching a service until ctx is canceled or Stop is
// called. Name and Probe are required; Watch panics without them.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Config needs a Name and a Probe")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		old.cancel()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns every service's status sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
