// Command buswatch watches systemd units over D-Bus and dispatches
// notifications on ActiveState transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rathix/buswatch/internal/bus"
	"github.com/rathix/buswatch/internal/config"
	"github.com/rathix/buswatch/internal/notify"
	"github.com/rathix/buswatch/internal/supervisor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runCmd(args)
	}
	switch args[0] {
	case "settings":
		return settingsCmd(args[1:])
	case "run":
		return runCmd(args[1:])
	default:
		return runCmd(args)
	}
}

func settingsCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: buswatch settings <load-path|validate> [path]")
	}
	switch args[0] {
	case "load-path":
		path, err := config.ResolvePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("no settings file found at %s", path)
		}
		fmt.Println(path)
		return nil
	case "validate":
		path := ""
		if len(args) > 1 {
			path = args[1]
		} else {
			p, err := config.ResolvePath()
			if err != nil {
				return err
			}
			path = p
		}
		if _, err := config.Load(path); err != nil {
			for _, e := range unwrapJoined(err) {
				fmt.Fprintln(os.Stderr, e)
			}
			return fmt.Errorf("settings invalid")
		}
		return nil
	default:
		return fmt.Errorf("unknown settings subcommand %q", args[0])
	}
}

// unwrapJoined splits an errors.Join tree into its leaves, one per line of
// diagnostic output; a non-joined error prints as a single line.
func unwrapJoined(err error) []error {
	type multi interface{ Unwrap() []error }
	if m, ok := err.(multi); ok {
		return m.Unwrap()
	}
	return []error{err}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "reload the supervisor's worker set when the settings file changes")
	logFormat := fs.String("log-format", "text", "log format (json or text)")
	settingsPath := fs.String("settings", "", "path to settings.yaml (default: XDG search)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *logFormat != "json" && *logFormat != "text" {
		return fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", *logFormat)
	}

	logger := setupLogger(*logFormat, os.Stdout)
	slog.SetDefault(logger)

	path := *settingsPath
	if path == "" {
		p, err := config.ResolvePath()
		if err != nil {
			return err
		}
		path = p
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, path, *watch, logger)
}

func serve(ctx context.Context, path string, watch bool, logger *slog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	dial := func(b config.Bus) (bus.Conn, error) {
		conn, err := bus.Dial(b)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	sender := bus.NewSender(bus.Dial)

	if !watch {
		sup := supervisor.New(cfg, dial, sender, logger)
		return sup.Run(ctx)
	}

	return serveWithReload(ctx, path, cfg, dial, sender, logger)
}

// serveWithReload runs the supervisor and restarts its worker set from
// scratch whenever the settings file changes, per SPEC_FULL.md §6.2: the
// running workers are cancelled and awaited, then a new set is spawned with
// the new configuration; no running worker has its configuration changed
// in place.
func serveWithReload(ctx context.Context, path string, cfg *config.Config, dial supervisor.Dialer, sender notify.Sender, logger *slog.Logger) error {
	generation := make(chan *config.Config, 1)
	generation <- cfg

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	cw := config.NewWatcher(path, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Error("settings reload failed; keeping current generation", "error", err)
			return
		}
		logger.Info("settings reloaded")
		select {
		case <-generation:
		default:
		}
		generation <- cfg
	}, logger)

	watchErrs := make(chan error, 1)
	go func() { watchErrs <- cw.Run(watcherCtx) }()

	var runCancel context.CancelFunc
	runErrs := make(chan error, 1)
	spawn := func(cfg *config.Config) {
		var runCtx context.Context
		runCtx, runCancel = context.WithCancel(ctx)
		sup := supervisor.New(cfg, dial, sender, logger)
		go func() { runErrs <- sup.Run(runCtx) }()
	}

	cfg = <-generation
	spawn(cfg)

	for {
		select {
		case <-ctx.Done():
			if runCancel != nil {
				runCancel()
			}
			<-runErrs
			return nil
		case err := <-runErrs:
			return err
		case next := <-generation:
			if runCancel != nil {
				runCancel()
				<-runErrs
			}
			spawn(next)
		case err := <-watchErrs:
			if err != nil {
				logger.Warn("settings watcher exited", "error", err)
			}
		}
	}
}

func setupLogger(format string, w io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, nil)
	} else {
		handler = slog.NewTextHandler(w, nil)
	}
	return slog.New(handler)
}

