package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anireap/anireap/internal/events"
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Kind         Kind      `json:"kind"`
	Title        string    `json:"title"`
	Subscription string    `json:"subscription,omitempty"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
}

// Dispatcher forwards notification events from the bus to a webhook URL.
type Dispatcher struct {
	eventBus   *events.Bus
	url        string
	httpClient *http.Client
	logger     zerolog.Logger

	subscription events.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// DispatcherOption is a functional option for configuring the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTimeout sets the HTTP timeout for webhook calls.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.httpClient.Timeout = timeout
	}
}

const defaultTimeout = 10 * time.Second

// NewDispatcher creates a dispatcher posting to url.
func NewDispatcher(eventBus *events.Bus, url string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		eventBus:   eventBus,
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start begins forwarding notifications.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.subscription = d.eventBus.Subscribe(events.Notification)

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info().Msg("notification dispatcher started")
	return nil
}

// Stop stops forwarding and waits for in-flight deliveries.
func (d *Dispatcher) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}

	d.eventBus.Unsubscribe(d.subscription)
	d.wg.Wait()

	d.logger.Info().Msg("notification dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.subscription:
			if !ok {
				return
			}
			if err := d.deliver(ctx, ev); err != nil {
				d.logger.Error().Err(err).
					Str("subscription", ev.Subscription).
					Msg("failed to deliver notification")
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev events.Event) error {
	text, _ := ev.Data["text"].(string)
	kind, _ := ev.Data["kind"].(string)

	body, err := json.Marshal(Payload{
		Kind:         Kind(kind),
		Title:        ev.Name,
		Subscription: ev.Subscription,
		Text:         text,
		Timestamp:    ev.Timestamp,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	d.logger.Debug().Str("kind", kind).Str("title", ev.Name).Msg("notification delivered")

	return nil
}
