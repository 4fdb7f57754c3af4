package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rathix/buswatch/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cfgWithBuses(buses ...config.Bus) *config.Config {
	cfg := &config.Config{Recipients: map[string]config.Recipient{}}
	for _, b := range buses {
		cfg.Rules = append(cfg.Rules, config.Rule{Bus: b, Match: config.MatchExact, Expression: "x"})
	}
	return cfg
}

func TestRunNoBusesSucceedsImmediately(t *testing.T) {
	s := New(cfgWithBuses(), nil, nil, discardLogger())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunAllWorkersSucceed(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession, config.BusSystem), nil, nil, discardLogger())
	s.runFunc = func(ctx context.Context, b config.Bus) error { return nil }
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunOneWorkerFails(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession, config.BusSystem), nil, nil, discardLogger())
	wantErr := errors.New("boom")
	s.runFunc = func(ctx context.Context, b config.Bus) error {
		if b == config.BusSystem {
			return wantErr
		}
		return nil
	}
	err := s.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run err = %v, want wraps %v", err, wantErr)
	}
}

func TestRunWorkerPanicIsRecovered(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession), nil, nil, discardLogger())
	s.runFunc = func(ctx context.Context, b config.Bus) error {
		panic("unexpected")
	}
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want panic recovered as error")
	}
}

func TestRunDistinctBusesOnly(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession, config.BusSession, config.BusSystem), nil, nil, discardLogger())
	var mu sync.Mutex
	var calls []config.Bus
	s.runFunc = func(ctx context.Context, b config.Bus) error {
		mu.Lock()
		calls = append(calls, b)
		mu.Unlock()
		return nil
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want exactly 2 distinct buses", calls)
	}
}

// TestRunFailingWorkerDoesNotCancelSiblings guards the isolation guarantee
// directly: a sibling worker must keep running on its own, uncancelled
// context even after another worker has already failed.
func TestRunFailingWorkerDoesNotCancelSiblings(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession, config.BusSystem), nil, nil, discardLogger())
	siblingCancelled := make(chan bool, 1)
	s.runFunc = func(ctx context.Context, b config.Bus) error {
		if b == config.BusSystem {
			return errors.New("boom")
		}
		select {
		case <-ctx.Done():
			siblingCancelled <- true
		case <-time.After(200 * time.Millisecond):
			siblingCancelled <- false
		}
		return nil
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run err = nil, want the failing worker's error")
	}
	if <-siblingCancelled {
		t.Error("sibling worker's context was cancelled by a sibling's failure")
	}
}

// TestRunCollectsAllWorkerErrors guards against only-first-error semantics:
// every failing worker's error must survive in the joined result.
func TestRunCollectsAllWorkerErrors(t *testing.T) {
	s := New(cfgWithBuses(config.BusSession, config.BusSystem), nil, nil, discardLogger())
	errSession := errors.New("session failed")
	errSystem := errors.New("system failed")
	s.runFunc = func(ctx context.Context, b config.Bus) error {
		if b == config.BusSession {
			return errSession
		}
		return errSystem
	}
	err := s.Run(context.Background())
	if !errors.Is(err, errSession) || !errors.Is(err, errSystem) {
		t.Fatalf("Run err = %v, want both worker errors joined", err)
	}
}
