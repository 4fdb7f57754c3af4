package bus

import (
	"context"
	"fmt"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	"github.com/rathix/buswatch/internal/config"
)

// notifierInterface is the well-known interface every recipient is assumed
// to implement.
const notifierInterface = "name.jerebear.KilljoyNotifier1"

// DerivePath converts a bus address such as "a.b.c.d" into the object path
// "/a/b/c/d" used as the destination path of an outbound call.
func DerivePath(busAddress string) godbus.ObjectPath {
	return godbus.ObjectPath("/" + strings.ReplaceAll(busAddress, ".", "/"))
}

// Sender implements notify.Sender by opening a fresh connection per
// outbound call and invoking name.jerebear.KilljoyNotifier1.Notify.
type Sender struct {
	dial DialFunc
}

// NewSender builds a Sender that dials recipients with dial.
func NewSender(dial DialFunc) *Sender {
	return &Sender{dial: dial}
}

// Notify opens a transient connection to recipient's bus, sends one
// synchronous Notify call, and closes the connection. The caller supplies
// ctx's deadline; Notify does not retry.
func (s *Sender) Notify(ctx context.Context, recipient config.Recipient, timestampUS uint64, unitName string, states []string) error {
	conn, err := s.dial(recipient.Bus)
	if err != nil {
		return fmt.Errorf("dial %s bus for recipient %s: %w", recipient.Bus, recipient.Address, err)
	}
	defer conn.Close()

	obj := conn.Object(recipient.Address, DerivePath(recipient.Address))
	call := obj.CallWithContext(ctx, notifierInterface+".Notify", 0, timestampUS, unitName, states)
	return call.Err
}
