package ports

import "context"

// Notifier is the notification gate: it delivers messages to exactly one
// authorized recipient. Delivery failures wrap ErrDeliveryFailed and are
// logged by callers, never allowed to roll back a committed trade.
type Notifier interface {
	// Send delivers an HTML-formatted message to the recipient.
	Send(ctx context.Context, recipientID int64, text string) error
}
