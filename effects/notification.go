package effects

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

// Notification delivers a message through a Notifier
type Notification struct {
	Notifier stepflow.Notifier
	Message  stepflow.Message
}

// Apply delivers the message
func (n Notification) Apply(ctx context.Context) error {
	return n.Notifier.Deliver(ctx, n.Message)
}

// Describe names the recipient and subject
func (n Notification) Describe() string {
	to := ""
	if n.Message.To != nil {
		to = n.Message.To.ID
	}
	return fmt.Sprintf("notification to %s: %q", to, n.Message.Subject)
}

// LogNotifier delivers messages by writing them to a logger. It stands in for
// the host's notification subsystem when none is wired.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Deliver logs the message
func (n LogNotifier) Deliver(ctx context.Context, msg stepflow.Message) error {
	if msg.To == nil {
		return stepflow.NewError(stepflow.ErrCodeValidation, "message has no recipient")
	}
	n.Logger.Info().
		Str("to", msg.To.ID).
		Str("email", msg.To.Email).
		Str("subject", msg.Subject).
		Msg("Notification delivered")
	return nil
}

var _ stepflow.Notifier = LogNotifier{}
