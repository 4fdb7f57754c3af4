package bus

import (
	"context"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
)

// fakeConn is a minimal stand-in for *dbus.Conn: it answers the handful of
// manager/properties calls the watcher makes and records which match
// filters were installed, without touching a real bus.
type fakeConn struct {
	subscribeErr error

	units      []unitStatus
	listErr    error
	getUnit    map[string]godbus.ObjectPath
	getUnitErr map[string]error
	getAll     map[godbus.ObjectPath]map[string]godbus.Variant
	getAllErr  map[godbus.ObjectPath]error
	getID      map[godbus.ObjectPath]string
	getIDErr   map[godbus.ObjectPath]error

	addMatchErr    error
	removeMatchErr error
	addMatchCount  int
}

var _ Conn = (*fakeConn)(nil)

func (c *fakeConn) Object(dest string, path godbus.ObjectPath) godbus.BusObject {
	return &fakeObject{conn: c, path: path}
}

func (c *fakeConn) AddMatchSignal(options ...godbus.MatchOption) error {
	c.addMatchCount++
	return c.addMatchErr
}

func (c *fakeConn) RemoveMatchSignal(options ...godbus.MatchOption) error {
	return c.removeMatchErr
}

func (c *fakeConn) Signal(ch chan<- *godbus.Signal)       {}
func (c *fakeConn) RemoveSignal(ch chan<- *godbus.Signal) {}
func (c *fakeConn) Close() error                          { return nil }

func (c *fakeConn) call(path godbus.ObjectPath, method string, args []interface{}) *godbus.Call {
	switch method {
	case managerIface + ".Subscribe":
		return &godbus.Call{Err: c.subscribeErr}
	case managerIface + ".ListUnits":
		return &godbus.Call{Err: c.listErr, Body: []interface{}{c.units}}
	case managerIface + ".GetUnit":
		name, _ := args[0].(string)
		return &godbus.Call{Err: c.getUnitErr[name], Body: []interface{}{c.getUnit[name]}}
	case propsIface + ".GetAll":
		return &godbus.Call{Err: c.getAllErr[path], Body: []interface{}{c.getAll[path]}}
	case propsIface + ".Get":
		return &godbus.Call{Err: c.getIDErr[path], Body: []interface{}{godbus.MakeVariant(c.getID[path])}}
	default:
		return &godbus.Call{Err: fmt.Errorf("fakeConn: unexpected method %s", method)}
	}
}

// fakeObject implements godbus.BusObject, routing CallWithContext back to
// the owning fakeConn. The other methods are unused by the watcher and
// exist only to satisfy the interface.
type fakeObject struct {
	conn *fakeConn
	path godbus.ObjectPath
}

var _ godbus.BusObject = (*fakeObject)(nil)

func (o *fakeObject) Call(method string, flags godbus.Flags, args ...interface{}) *godbus.Call {
	return o.conn.call(o.path, method, args)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags godbus.Flags, args ...interface{}) *godbus.Call {
	return o.conn.call(o.path, method, args)
}

func (o *fakeObject) Go(method string, flags godbus.Flags, ch chan *godbus.Call, args ...interface{}) *godbus.Call {
	return &godbus.Call{Err: fmt.Errorf("fakeObject: Go not implemented")}
}

func (o *fakeObject) GoWithContext(ctx context.Context, method string, flags godbus.Flags, ch chan *godbus.Call, args ...interface{}) *godbus.Call {
	return &godbus.Call{Err: fmt.Errorf("fakeObject: GoWithContext not implemented")}
}

func (o *fakeObject) AddMatchSignal(iface, member string, options ...godbus.MatchOption) error {
	return nil
}

func (o *fakeObject) RemoveMatchSignal(iface, member string, options ...godbus.MatchOption) error {
	return nil
}

func (o *fakeObject) GetProperty(p string) (godbus.Variant, error) {
	return godbus.Variant{}, fmt.Errorf("fakeObject: GetProperty not implemented")
}

func (o *fakeObject) StoreProperty(p string, value interface{}) error {
	return fmt.Errorf("fakeObject: StoreProperty not implemented")
}

func (o *fakeObject) SetProperty(p string, v interface{}) error {
	return fmt.Errorf("fakeObject: SetProperty not implemented")
}

func (o *fakeObject) Destination() string     { return "" }
func (o *fakeObject) Path() godbus.ObjectPath { return o.path }
