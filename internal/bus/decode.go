package bus

import (
	"fmt"

	godbus "github.com/godbus/dbus/v5"

	"github.com/rathix/buswatch/internal/activestate"
)

// decodeProperties extracts ActiveState and its matching monotonic
// timestamp from a unit's property map. path is used only to annotate
// error messages.
func decodeProperties(props map[string]godbus.Variant, path string) (activestate.State, uint64, error) {
	asVar, ok := props["ActiveState"]
	if !ok {
		return 0, 0, &ProtocolViolationError{Path: path, Detail: "missing ActiveState property"}
	}
	asStr, ok := asVar.Value().(string)
	if !ok {
		return 0, 0, &ProtocolViolationError{Path: path, Detail: "ActiveState is not a string"}
	}
	state, err := activestate.Parse(asStr)
	if err != nil {
		return 0, 0, &DecodeFailureError{Path: path, Value: asStr}
	}

	key := activestate.MonotonicTimestampKey(state)
	tsVar, ok := props[key]
	if !ok {
		return 0, 0, &ProtocolViolationError{Path: path, Detail: fmt.Sprintf("missing %s property", key)}
	}
	ts, ok := tsVar.Value().(uint64)
	if !ok {
		return 0, 0, &ProtocolViolationError{Path: path, Detail: fmt.Sprintf("%s is not a uint64", key)}
	}
	return state, ts, nil
}
