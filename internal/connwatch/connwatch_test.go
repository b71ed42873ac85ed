package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() Backoff {
	return Backoff{
		Initial:      time.Millisecond,
		Max:          4 * time.Millisecond,
		Retries:      4,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := Backoff{}.withDefaults()
	if b != DefaultBackoff() {
		t.Errorf("zero backoff = %+v, want defaults %+v", b, DefaultBackoff())
	}
	custom := Backoff{Initial: time.Second, Retries: 3}.withDefaults()
	if custom.Initial != time.Second || custom.Retries != 3 || custom.Max != 60*time.Second {
		t.Errorf("partial backoff = %+v", custom)
	}
}

func TestWatcherImmediateSuccess(t *testing.T) {
	t.Parallel()
	var ready atomic.Int32
	m := NewManager(quiet())
	w := m.Watch(context.Background(), Config{
		Name:    "ollama",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
	})
	defer m.Stop()

	eventually(t, "ready", w.Ready)
	eventually(t, "OnReady", func() bool { return ready.Load() == 1 })

	s := w.Status()
	if s.Name != "ollama" || s.LastError != "" || s.LastCheck.IsZero() || s.Failures != 0 {
		t.Errorf("status = %+v", s)
	}
}

func TestWatcherBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	m := NewManager(quiet())
	w := m.Watch(context.Background(), Config{
		Name: "recommend",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 2 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})
	defer m.Stop()

	eventually(t, "ready after retries", w.Ready)
	if n := attempts.Load(); n < 3 {
		t.Errorf("attempts = %d, want at least 3", n)
	}
}

func TestWatcherTransitions(t *testing.T) {
	t.Parallel()
	var (
		healthy atomic.Bool
		downs   atomic.Int32
		readies atomic.Int32
	)
	healthy.Store(true)

	m := NewManager(quiet())
	w := m.Watch(context.Background(), Config{
		Name: "database",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("disk I/O error")
		},
		Backoff: testBackoff(),
		OnReady: func() { readies.Add(1) },
		OnDown:  func(error) { downs.Add(1) },
	})
	defer m.Stop()

	eventually(t, "initial ready", w.Ready)

	healthy.Store(false)
	eventually(t, "down", func() bool { return !w.Ready() })
	eventually(t, "OnDown", func() bool { return downs.Load() == 1 })
	if s := w.Status(); s.LastError != "disk I/O error" || s.Failures == 0 {
		t.Errorf("down status = %+v", s)
	}

	healthy.Store(true)
	eventually(t, "recovered", w.Ready)
	eventually(t, "second OnReady", func() bool { return readies.Load() == 2 })
	if s := w.Status(); s.Failures != 0 {
		t.Errorf("failures after recovery = %d", s.Failures)
	}
}

func TestWatcherExhaustsRetriesThenPolls(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	m := NewManager(quiet())
	w := m.Watch(context.Background(), Config{
		Name: "anthropic",
		Probe: func(context.Context) error {
			attempts.Add(1)
			return errors.New("unauthorized")
		},
		Backoff: testBackoff(),
	})
	defer m.Stop()

	// Startup makes Retries+1 attempts; polling keeps probing after that.
	eventually(t, "background polling", func() bool { return attempts.Load() > 6 })
	if w.Ready() {
		t.Error("watcher ready with failing probe")
	}
}

func TestManagerStatusSortedAndStop(t *testing.T) {
	m := NewManager(quiet())
	for _, name := range []string{"recommend", "database", "llm:openai"} {
		m.Watch(context.Background(), Config{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		})
	}

	eventually(t, "all ready", func() bool {
		for _, s := range m.Status() {
			if !s.Ready {
				return false
			}
		}
		return true
	})

	got := m.Status()
	if len(got) != 3 || got[0].Name != "database" || got[1].Name != "llm:openai" || got[2].Name != "recommend" {
		t.Errorf("status = %+v", got)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWatchPanicsWithoutProbe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewManager(nil).Watch(context.Background(), Config{Name: "x"})
}
