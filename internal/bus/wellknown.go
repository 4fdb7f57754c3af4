package bus

import (
	"time"

	godbus "github.com/godbus/dbus/v5"
)

const (
	systemdBusName = "org.freedesktop.systemd1"
	managerIface   = "org.freedesktop.systemd1.Manager"
	unitIface      = "org.freedesktop.systemd1.Unit"
	propsIface     = "org.freedesktop.DBus.Properties"
)

var systemdPath = godbus.ObjectPath("/org/freedesktop/systemd1")

// methodTimeout bounds every synchronous manager/properties call.
const methodTimeout = time.Second

func unitNewMatch() []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchSender(systemdBusName),
		godbus.WithMatchObjectPath(systemdPath),
		godbus.WithMatchInterface(managerIface),
		godbus.WithMatchMember("UnitNew"),
	}
}

func unitRemovedMatch() []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchSender(systemdBusName),
		godbus.WithMatchObjectPath(systemdPath),
		godbus.WithMatchInterface(managerIface),
		godbus.WithMatchMember("UnitRemoved"),
	}
}

func propertiesChangedMatch(path godbus.ObjectPath) []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchSender(systemdBusName),
		godbus.WithMatchObjectPath(path),
		godbus.WithMatchInterface(propsIface),
		godbus.WithMatchMember("PropertiesChanged"),
	}
}
