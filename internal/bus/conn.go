package bus

import (
	"fmt"
	"os"

	godbus "github.com/godbus/dbus/v5"

	"github.com/rathix/buswatch/internal/config"
)

// DialFunc opens a private connection to one of the three configured bus
// selectors. A watcher uses it once for its own long-lived connection; the
// dispatcher's Sender uses it once per outbound notification call.
type DialFunc func(config.Bus) (*godbus.Conn, error)

// Dial is the real DialFunc, backed by github.com/godbus/dbus/v5. "starter"
// has no built-in meaning to godbus, so it is resolved here via
// $DBUS_STARTER_ADDRESS, the same address systemd's own starter-bus
// convention uses.
func Dial(sel config.Bus) (*godbus.Conn, error) {
	switch sel {
	case config.BusSession:
		return godbus.ConnectSessionBus()
	case config.BusSystem:
		return godbus.ConnectSystemBus()
	case config.BusStarter:
		addr := os.Getenv("DBUS_STARTER_ADDRESS")
		if addr == "" {
			return nil, fmt.Errorf("resolve starter bus: DBUS_STARTER_ADDRESS is not set")
		}
		return godbus.Connect(addr)
	default:
		return nil, fmt.Errorf("unknown bus selector %q", sel)
	}
}
