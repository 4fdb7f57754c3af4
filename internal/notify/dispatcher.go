package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rathix/buswatch/internal/activestate"
	"github.com/rathix/buswatch/internal/config"
)

// notifyTimeout is the reply-wait timeout for one outbound call.
const notifyTimeout = 5 * time.Second

// Sender issues the outbound Notify call to one recipient. Implementations
// own the transient per-recipient bus connection.
type Sender interface {
	Notify(ctx context.Context, recipient config.Recipient, timestampUS uint64, unitName string, states []string) error
}

// MisconfiguredRecipientError indicates a rule names a recipient label
// absent from the configuration's recipient map. The loader is expected to
// prevent this entirely; its appearance here is fatal to the worker.
type MisconfiguredRecipientError struct {
	Label string
}

func (e *MisconfiguredRecipientError) Error() string {
	return fmt.Sprintf("rule references undeclared recipient %q", e.Label)
}

// Dispatcher resolves matching rules for a transition and sends one
// outbound notification per recipient, synchronously and without retry.
type Dispatcher struct {
	sender     Sender
	recipients map[string]config.Recipient
	logger     *slog.Logger
}

// NewDispatcher builds a Dispatcher over the configuration's recipient map.
func NewDispatcher(sender Sender, recipients map[string]config.Recipient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, recipients: recipients, logger: logger}
}

// Dispatch handles one unit transition: it filters rules by name and
// new-state match, then sends one outbound call per (rule, recipient)
// pair, in configuration order. A missing recipient label is fatal;
// everything else a send can fail with is logged and does not interrupt
// the remaining recipients.
func (d *Dispatcher) Dispatch(ctx context.Context, rules []config.Rule, unit string, old *activestate.State, new activestate.State, timestampUS uint64) error {
	applicable := Applicable(rules, unit, new)
	if len(applicable) == 0 {
		return nil
	}

	states := []string{new.String()}
	if old != nil {
		states = append(states, old.String())
	}

	for _, rule := range applicable {
		for _, label := range rule.Recipients {
			recipient, ok := d.recipients[label]
			if !ok {
				return &MisconfiguredRecipientError{Label: label}
			}

			callCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
			err := d.sender.Notify(callCtx, recipient, timestampUS, unit, states)
			cancel()
			if err != nil {
				d.logger.Warn("notification failed",
					"unit", unit, "recipient", label, "address", recipient.Address, "error", err)
			}
		}
	}
	return nil
}
