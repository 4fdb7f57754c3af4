// Package bus implements the bus watcher: one connection, one bootstrap
// sequence, and an event loop that keeps a private map of unit state
// machines in sync with the manager's lifecycle signals.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"github.com/rathix/buswatch/internal/activestate"
	"github.com/rathix/buswatch/internal/config"
	"github.com/rathix/buswatch/internal/notify"
	"github.com/rathix/buswatch/internal/unitstate"
)

// Conn is the subset of *dbus.Conn the watcher drives directly. Defined at
// the consumer so tests can substitute a fake bus without a real connection.
type Conn interface {
	Object(dest string, path godbus.ObjectPath) godbus.BusObject
	AddMatchSignal(options ...godbus.MatchOption) error
	RemoveMatchSignal(options ...godbus.MatchOption) error
	Signal(ch chan<- *godbus.Signal)
	RemoveSignal(ch chan<- *godbus.Signal)
	Close() error
}

var _ Conn = (*godbus.Conn)(nil)

// unitStatus mirrors the fields of org.freedesktop.systemd1.Manager's
// ListUnits struct return value. Only Name is consumed.
type unitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	Followed    string
	Path        godbus.ObjectPath
	JobID       uint32
	JobType     string
	JobPath     godbus.ObjectPath
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSingleIteration makes Run return after exactly one drain pass,
// regardless of whether any message arrived. Used by tests.
func WithSingleIteration() Option {
	return func(w *Watcher) { w.singleIteration = true }
}

// Watcher owns one bus connection, bootstraps against it, and runs the
// event loop. Its unit-state map is private and touched only from the
// goroutine that calls Run; no synchronization primitive guards it.
type Watcher struct {
	bus        config.Bus
	conn       Conn
	rules      []config.Rule
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	idleTimeout     time.Duration
	singleIteration bool

	units    map[string]*unitstate.Machine
	sigCh    chan *godbus.Signal
	ctx      context.Context
	fatalErr error

	// newSignalChan is a seam for tests: it lets a test pre-create and
	// pre-populate the channel bootstrap registers with the connection,
	// so the NameAcquired drain step resolves without a real timer wait.
	newSignalChan func() chan *godbus.Signal
}

// withSignalChan overrides the channel bootstrap registers via conn.Signal.
// Test-only; not exported.
func withSignalChan(ch chan *godbus.Signal) Option {
	return func(w *Watcher) { w.newSignalChan = func() chan *godbus.Signal { return ch } }
}

// New builds a Watcher for one bus. rules must already be filtered to the
// ones bound to bus; idleTimeoutMS is the per-drain-pass idle bound.
func New(bus config.Bus, conn Conn, rules []config.Rule, dispatcher *notify.Dispatcher, logger *slog.Logger, idleTimeoutMS uint32, opts ...Option) *Watcher {
	w := &Watcher{
		bus:         bus,
		conn:        conn,
		rules:       rules,
		dispatcher:  dispatcher,
		logger:      logger,
		idleTimeout: time.Duration(idleTimeoutMS) * time.Millisecond,
		units:       make(map[string]*unitstate.Machine),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run bootstraps the watcher's state and runs the event loop until a fatal
// error, end-of-stream on the connection, context cancellation, or (in
// tests) the single-iteration knob.
func (w *Watcher) Run(ctx context.Context) error {
	w.ctx = ctx
	if err := w.bootstrap(ctx); err != nil {
		return err
	}
	return w.runLoop(ctx)
}

func (w *Watcher) systemdObject() godbus.BusObject {
	return w.conn.Object(systemdBusName, systemdPath)
}

func withMethodTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, methodTimeout)
}

// bootstrap executes the ordered sequence required before the running
// loop may start: Subscribe, drain the inserted NameAcquired signal,
// install the removal filter before the addition filter, list extant
// units, and seed a state machine for every unit that matches a rule.
func (w *Watcher) bootstrap(ctx context.Context) error {
	if err := w.callSubscribe(ctx); err != nil {
		return &FatalBusError{Op: "Manager.Subscribe", Err: err}
	}

	var sigCh chan *godbus.Signal
	if w.newSignalChan != nil {
		sigCh = w.newSignalChan()
	} else {
		sigCh = make(chan *godbus.Signal, 64)
	}
	w.conn.Signal(sigCh)
	w.sigCh = sigCh

	select {
	case <-sigCh:
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.conn.AddMatchSignal(unitRemovedMatch()...); err != nil {
		return &FatalBusError{Op: "AddMatch(UnitRemoved)", Err: err}
	}
	if err := w.conn.AddMatchSignal(unitNewMatch()...); err != nil {
		return &FatalBusError{Op: "AddMatch(UnitNew)", Err: err}
	}

	names, err := w.callListUnits(ctx)
	if err != nil {
		return &FatalBusError{Op: "Manager.ListUnits", Err: err}
	}

	for _, name := range names {
		if !notify.AnyNameMatches(w.rules, name) {
			continue
		}
		path, err := w.callGetUnit(ctx, name)
		if err != nil {
			w.logger.Warn("transient failure resolving unit during bootstrap", "unit", name, "error", err)
			continue
		}
		if err := w.conn.AddMatchSignal(propertiesChangedMatch(path)...); err != nil {
			return &FatalBusError{Op: "AddMatch(PropertiesChanged)", Err: err}
		}
		props, err := w.callGetAll(ctx, path)
		if err != nil {
			w.logger.Warn("transient failure reading unit properties during bootstrap", "unit", name, "error", err)
			continue
		}
		state, ts, err := decodeProperties(props, string(path))
		if err != nil {
			return err
		}
		w.upsert(name, state, ts)
		if w.fatalErr != nil {
			return w.fatalErr
		}
	}
	return nil
}

// runLoop repeatedly drains available messages, processing each, until a
// fatal error, end-of-stream on the signal channel, an idle timeout with
// singleIteration set, or ctx cancellation.
func (w *Watcher) runLoop(ctx context.Context) error {
	for {
		if err := w.drainPass(ctx); err != nil {
			return err
		}
		if w.fatalErr != nil {
			return w.fatalErr
		}
		if w.sigCh == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if w.singleIteration {
			return nil
		}
	}
}

// drainPass processes every message already queued, then waits up to
// idleTimeout for the next one before returning. If the signal channel has
// been closed, it sets w.sigCh to nil and returns.
func (w *Watcher) drainPass(ctx context.Context) error {
	timer := time.NewTimer(w.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-w.sigCh:
			if !ok {
				w.sigCh = nil
				return nil
			}
			if err := w.handleSignal(ctx, sig); err != nil {
				return err
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.idleTimeout)
		case <-timer.C:
			return nil
		}
	}
}

func (w *Watcher) handleSignal(ctx context.Context, sig *godbus.Signal) error {
	switch sig.Name {
	case managerIface + ".UnitNew":
		return w.handleUnitNew(ctx, sig)
	case managerIface + ".UnitRemoved":
		return w.handleUnitRemoved(sig)
	case propsIface + ".PropertiesChanged":
		return w.handlePropertiesChanged(ctx, sig)
	default:
		w.logger.Debug("unrecognized message discarded", "name", sig.Name, "path", sig.Path)
		return nil
	}
}

func (w *Watcher) handleUnitNew(ctx context.Context, sig *godbus.Signal) error {
	name, path, ok := unitNewBody(sig)
	if !ok {
		return nil
	}
	if !notify.AnyNameMatches(w.rules, name) {
		return nil
	}
	if err := w.conn.AddMatchSignal(propertiesChangedMatch(path)...); err != nil {
		return &FatalBusError{Op: "AddMatch(PropertiesChanged)", Err: err}
	}
	props, err := w.callGetAll(ctx, path)
	if err != nil {
		w.logger.Warn("transient failure reading unit properties on UnitNew", "unit", name, "error", err)
		return nil
	}
	state, ts, err := decodeProperties(props, string(path))
	if err != nil {
		return err
	}
	w.upsert(name, state, ts)
	return nil
}

func (w *Watcher) handleUnitRemoved(sig *godbus.Signal) error {
	name, path, ok := unitNewBody(sig)
	if !ok {
		return nil
	}
	if !notify.AnyNameMatches(w.rules, name) {
		return nil
	}
	if err := w.conn.RemoveMatchSignal(propertiesChangedMatch(path)...); err != nil {
		return &FatalBusError{Op: "RemoveMatch(PropertiesChanged)", Err: err}
	}
	delete(w.units, name)
	return nil
}

func unitNewBody(sig *godbus.Signal) (name string, path godbus.ObjectPath, ok bool) {
	if len(sig.Body) < 2 {
		return "", "", false
	}
	name, ok = sig.Body[0].(string)
	if !ok {
		return "", "", false
	}
	path, ok = sig.Body[1].(godbus.ObjectPath)
	return name, path, ok
}

func (w *Watcher) handlePropertiesChanged(ctx context.Context, sig *godbus.Signal) error {
	if len(sig.Body) < 2 {
		return nil
	}
	ifaceName, ok := sig.Body[0].(string)
	if !ok || ifaceName != unitIface {
		return nil
	}
	changed, ok := sig.Body[1].(map[string]godbus.Variant)
	if !ok {
		return nil
	}

	asVar, ok := changed["ActiveState"]
	if !ok {
		// Missing-active-state: silently ignored.
		return nil
	}
	asStr, ok := asVar.Value().(string)
	if !ok {
		return &ProtocolViolationError{Path: string(sig.Path), Detail: "ActiveState is not a string"}
	}
	state, err := activestate.Parse(asStr)
	if err != nil {
		return &DecodeFailureError{Path: string(sig.Path), Value: asStr}
	}

	key := activestate.MonotonicTimestampKey(state)
	tsVar, ok := changed[key]
	if !ok {
		return &ProtocolViolationError{Path: string(sig.Path), Detail: fmt.Sprintf("missing %s property", key)}
	}
	ts, ok := tsVar.Value().(uint64)
	if !ok {
		return &ProtocolViolationError{Path: string(sig.Path), Detail: fmt.Sprintf("%s is not a uint64", key)}
	}

	unitName, err := w.callGetID(ctx, sig.Path)
	if err != nil {
		return &FatalBusError{Op: "Properties.Get(Id)", Err: err}
	}

	w.upsert(unitName, state, ts)
	return nil
}

// upsert creates or updates the state machine for name, per the spec's
// upsert contract: creation always fires once; an update fires iff the
// new state differs.
func (w *Watcher) upsert(name string, state activestate.State, ts uint64) {
	onChange := w.onChangeFor(name)
	if m, ok := w.units[name]; ok {
		m.Update(state, ts, onChange)
		return
	}
	w.units[name] = unitstate.New(name, state, ts, onChange)
}

func (w *Watcher) onChangeFor(unit string) unitstate.OnChange {
	return func(c unitstate.Change) {
		if w.fatalErr != nil {
			return
		}
		if err := w.dispatcher.Dispatch(w.ctx, w.rules, unit, c.Old, c.New, c.StampUS); err != nil {
			w.fatalErr = err
		}
	}
}

func (w *Watcher) callSubscribe(ctx context.Context) error {
	cctx, cancel := withMethodTimeout(ctx)
	defer cancel()
	return w.systemdObject().CallWithContext(cctx, managerIface+".Subscribe", 0).Err
}

func (w *Watcher) callListUnits(ctx context.Context) ([]string, error) {
	cctx, cancel := withMethodTimeout(ctx)
	defer cancel()
	var units []unitStatus
	if err := w.systemdObject().CallWithContext(cctx, managerIface+".ListUnits", 0).Store(&units); err != nil {
		return nil, err
	}
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	return names, nil
}

func (w *Watcher) callGetUnit(ctx context.Context, name string) (godbus.ObjectPath, error) {
	cctx, cancel := withMethodTimeout(ctx)
	defer cancel()
	var path godbus.ObjectPath
	err := w.systemdObject().CallWithContext(cctx, managerIface+".GetUnit", 0, name).Store(&path)
	return path, err
}

func (w *Watcher) callGetAll(ctx context.Context, path godbus.ObjectPath) (map[string]godbus.Variant, error) {
	cctx, cancel := withMethodTimeout(ctx)
	defer cancel()
	var props map[string]godbus.Variant
	err := w.conn.Object(systemdBusName, path).CallWithContext(cctx, propsIface+".GetAll", 0, unitIface).Store(&props)
	return props, err
}

func (w *Watcher) callGetID(ctx context.Context, path godbus.ObjectPath) (string, error) {
	cctx, cancel := withMethodTimeout(ctx)
	defer cancel()
	var v godbus.Variant
	if err := w.conn.Object(systemdBusName, path).CallWithContext(cctx, propsIface+".Get", 0, unitIface, "Id").Store(&v); err != nil {
		return "", err
	}
	id, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("Id property is not a string")
	}
	return id, nil
}
