// Package supervisor spawns one bus watcher per distinct bus selector a
// configuration's rules reference and joins them: the process as a whole
// succeeds only if every worker does.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rathix/buswatch/internal/bus"
	"github.com/rathix/buswatch/internal/config"
	"github.com/rathix/buswatch/internal/notify"
)

// Dialer resolves a bus selector to a live connection. Defined at the
// consumer so tests can substitute a fake without a real bus.
type Dialer func(config.Bus) (bus.Conn, error)

// Supervisor owns the configuration and dial function; it has no state of
// its own between Run calls.
type Supervisor struct {
	cfg    *config.Config
	dial   Dialer
	sender notify.Sender
	logger *slog.Logger

	// runFunc is a test seam overriding the real dial-and-watch path for
	// one bus; New leaves it nil and runWorker is used.
	runFunc func(ctx context.Context, b config.Bus) error
}

// New builds a Supervisor. sender is shared across every worker's
// dispatcher; a single process-wide outbound D-Bus transport is enough
// since Sender dials transiently per call.
func New(cfg *config.Config, dial Dialer, sender notify.Sender, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, dial: dial, sender: sender, logger: logger}
}

// Run spawns one worker per bus selector in cfg.Buses() and blocks until
// all of them return. A worker panic is recovered and folded into that
// worker's error; siblings are never cancelled by it or by another
// worker's fatal error — each bus gets its own copy of ctx, not a
// derived one, so one bus's failure cannot tear down another's in-flight
// watcher. Run collects every worker's outcome and joins the non-nil
// ones; it returns nil only if every worker returned nil.
func (s *Supervisor) Run(ctx context.Context) error {
	buses := s.cfg.Buses()
	if len(buses) == 0 {
		s.logger.Warn("no rules configured; nothing to watch")
		return nil
	}

	run := s.runFunc
	if run == nil {
		run = s.runWorker
	}

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error

	for _, b := range buses {
		b := b
		g.Go(func() error {
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("worker for bus %q panicked: %v", b, r)
					}
				}()
				return run(ctx, b)
			}()
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) runWorker(ctx context.Context, b config.Bus) error {
	conn, err := s.dial(b)
	if err != nil {
		return &bus.FatalBusError{Op: fmt.Sprintf("dial bus %q", b), Err: err}
	}
	defer conn.Close()

	rules := s.cfg.RulesForBus(b)
	dispatcher := notify.NewDispatcher(s.sender, s.cfg.Recipients, s.logger)
	w := bus.New(b, conn, rules, dispatcher, s.logger, s.cfg.IdleTimeoutMS)

	s.logger.Info("watcher starting", "bus", b, "rules", len(rules))
	if err := w.Run(ctx); err != nil {
		s.logger.Error("watcher exited with error", "bus", b, "error", err)
		return err
	}
	return nil
}
