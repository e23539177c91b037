// Package notify delivers user-facing notifications about subscriptions.
package notify

import (
	"github.com/anireap/anireap/internal/events"
	"github.com/anireap/anireap/internal/subscription"
)

// Kind classifies a notification.
type Kind string

// Notification kinds.
const (
	KindDownloadStart Kind = "download_start"
	KindDownloadEnd   Kind = "download_end"
	KindMirrorUpload  Kind = "mirror_upload"
	KindMirrorEnd     Kind = "mirror_end"
	KindError         Kind = "error"
)

// Notifier sends a message about a subscription. Send never blocks on delivery
// and never fails the caller.
type Notifier interface {
	Send(sub subscription.Subscription, text string, kind Kind)
}

// BusNotifier publishes notifications on the event bus, where the timeline
// and the webhook dispatcher pick them up.
type BusNotifier struct {
	bus *events.Bus
}

// NewBusNotifier creates a notifier publishing to bus.
func NewBusNotifier(bus *events.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Send publishes the notification.
func (n *BusNotifier) Send(sub subscription.Subscription, text string, kind Kind) {
	n.bus.Publish(events.Event{
		Type:         events.Notification,
		Subscription: sub.ID,
		Name:         sub.DisplayName(),
		Data: map[string]any{
			"text": text,
			"kind": string(kind),
		},
	})
}

// Nop discards all notifications.
type Nop struct{}

// Send does nothing.
func (Nop) Send(subscription.Subscription, string, Kind) {}
