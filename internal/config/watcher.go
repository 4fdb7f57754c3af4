package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback is invoked when the settings file changes. cfg is nil iff
// err is non-nil.
type ReloadCallback func(cfg *Config, err error)

// Watcher monitors the settings file for changes and triggers reloads. A
// reload never touches an already-running watcher's state; the caller
// decides what, if anything, to restart. Between reloads it keeps the last
// successfully loaded document around, not to act on it, but to describe a
// reload in bus/rule/recipient terms instead of an opaque "file changed".
type Watcher struct {
	path     string
	callback ReloadCallback
	logger   *slog.Logger
	debounce time.Duration
	last     *Config
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration. Default is 1 second.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a settings file watcher.
func NewWatcher(path string, callback ReloadCallback, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		callback: callback,
		logger:   logger,
		debounce: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the settings file's parent directory for changes and invokes
// the callback on debounced write/create/rename events. It blocks until ctx
// is cancelled, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the parent directory, not the file itself, to survive atomic
	// rename-based writers.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	targetName := filepath.Base(w.path)
	reloadCh := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&fsnotify.Remove != 0 {
				// The teacher's ingress/webhook watcher has no equivalent
				// of this: a deleted settings file is not a parse error,
				// it is the operator mid-edit with a rename-based writer,
				// or a genuine misconfiguration. Either way the last
				// known-good Config keeps running rather than tearing the
				// supervisor's workers down on a transient gap.
				w.logger.Warn("settings file removed; keeping last known-good configuration until it reappears", "path", w.path)
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			cfg, err := Load(w.path)
			if err == nil {
				w.logReload(cfg)
				w.last = cfg
			}
			w.callback(cfg, err)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// logReload reports what a successful reload actually changed, at the
// level buswatch's operators care about: how many buses, rules, and
// recipients, and which bus selectors were added or dropped.
func (w *Watcher) logReload(cfg *Config) {
	if w.last == nil {
		w.logger.Info("settings loaded",
			"buses", len(cfg.Buses()), "rules", len(cfg.Rules), "recipients", len(cfg.Recipients))
		return
	}
	w.logger.Info("settings reloaded",
		"rules_before", len(w.last.Rules), "rules_after", len(cfg.Rules),
		"recipients_before", len(w.last.Recipients), "recipients_after", len(cfg.Recipients),
		"buses", busDiff(w.last.Buses(), cfg.Buses()))
}

// busDiff summarizes which bus selectors a reload added or removed, in
// first-seen order on each side.
func busDiff(before, after []Bus) string {
	beforeSet := make(map[Bus]bool, len(before))
	for _, b := range before {
		beforeSet[b] = true
	}
	afterSet := make(map[Bus]bool, len(after))
	for _, b := range after {
		afterSet[b] = true
	}

	var added, removed []Bus
	for _, b := range after {
		if !beforeSet[b] {
			added = append(added, b)
		}
	}
	for _, b := range before {
		if !afterSet[b] {
			removed = append(removed, b)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return "unchanged"
	}
	return fmt.Sprintf("added=%v removed=%v", added, removed)
}
