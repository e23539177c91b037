package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anireap/anireap/internal/timeline"
)

// Controller copies every bus event into the timeline with a human-readable
// message. It talks to the rest of the system only through the bus.
type Controller struct {
	eventBus *Bus
	recorder timeline.Recorder
	logger   zerolog.Logger

	subscription Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new events Controller.
func NewController(eventBus *Bus, recorder timeline.Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		recorder: recorder,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins recording all events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.subscription = c.eventBus.Subscribe()

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("events controller started")
	return nil
}

// Stop stops the controller and waits for it to finish.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.eventBus.Unsubscribe(c.subscription)
	c.wg.Wait()

	c.logger.Info().Msg("events controller stopped")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.subscription:
			if !ok {
				return
			}
			// A deleted item keeps only its deletion entry.
			if ev.Type == ItemDeleted && ev.Hash != "" {
				c.recorder.Clear(ev.Hash)
			}
			c.recorder.Record(timeline.Event{
				Type:         string(ev.Type),
				Timestamp:    ev.Timestamp,
				Message:      Message(ev),
				Hash:         ev.Hash,
				Name:         ev.Name,
				Subscription: ev.Subscription,
				Details:      ev.Data,
			})
		}
	}
}

// Message renders a one-line description of ev.
//
//nolint:funlen,cyclop // one case per event type
func Message(ev Event) string {
	name := ev.Name
	file, _ := ev.Data["file"].(string)
	reason, _ := ev.Data["error"].(string)

	switch ev.Type {
	case SystemStarted:
		return "System started"
	case DownloaderConnected:
		return fmt.Sprintf("Connected to download client: %s", name)
	case SweepStarted:
		return "Reconciliation sweep started"
	case SweepCompleted:
		return "Reconciliation sweep finished"
	case SweepSkipped:
		return "Reconciliation sweep skipped: already running"
	case SubscriptionAdded:
		return fmt.Sprintf("Subscription added: %s", name)
	case SubscriptionRemoved:
		return fmt.Sprintf("Subscription removed: %s", name)
	case ItemSubmitted:
		return fmt.Sprintf("Submitted: %s", name)
	case ItemAppeared:
		return fmt.Sprintf("Confirmed by client: %s", name)
	case ItemRenamed:
		return fmt.Sprintf("Renamed: %s", name)
	case ItemTagged:
		return fmt.Sprintf("Tagged: %s", name)
	case ItemFailed:
		return fmt.Sprintf("Failed: %s (%s)", name, reason)
	case ItemDeleted:
		return fmt.Sprintf("Deleted: %s", name)
	case DownloadComplete:
		return fmt.Sprintf("Download complete: %s", name)
	case MirrorQueued:
		return fmt.Sprintf("Mirror queued: %s", name)
	case MirrorUploaded:
		return fmt.Sprintf("Mirror upload accepted: %s - %s", name, file)
	case MirrorCompleted:
		return fmt.Sprintf("Mirror upload finished: %s - %s", name, file)
	case MirrorFailed:
		return fmt.Sprintf("Mirror failed: %s - %s", name, file)
	case MirrorRefreshed:
		return fmt.Sprintf("Remote listing refreshed: %s", name)
	case Notification:
		text, _ := ev.Data["text"].(string)
		return text
	default:
		return fmt.Sprintf("Event: %s", ev.Type)
	}
}
