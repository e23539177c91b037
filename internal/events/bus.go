// Package events provides the in-process event bus that carries lifecycle
// transitions and notifications between components.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types for the torrent lifecycle.
const (
	// SystemStarted indicates the service has started.
	SystemStarted Type = "system.started"
	// DownloaderConnected indicates a login to the download client succeeded.
	DownloaderConnected Type = "downloader.connected"

	// SweepStarted indicates a full reconciliation sweep began.
	SweepStarted Type = "sweep.started"
	// SweepCompleted indicates a full reconciliation sweep finished.
	SweepCompleted Type = "sweep.completed"
	// SweepSkipped indicates a sweep was rejected because another one was running.
	SweepSkipped Type = "sweep.skipped"

	// SubscriptionAdded indicates a subscription was stored.
	SubscriptionAdded Type = "subscription.added"
	// SubscriptionRemoved indicates a subscription was deleted.
	SubscriptionRemoved Type = "subscription.removed"

	// ItemSubmitted indicates a release was sent to the download client.
	ItemSubmitted Type = "item.submitted"
	// ItemAppeared indicates the client confirmed the submitted item.
	ItemAppeared Type = "item.appeared"
	// ItemRenamed indicates the item's files carry their canonical names.
	ItemRenamed Type = "item.renamed"
	// ItemTagged indicates the rename marker tag was applied.
	ItemTagged Type = "item.tagged"
	// ItemFailed indicates the lifecycle of one item stopped with an error.
	ItemFailed Type = "item.failed"
	// ItemDeleted indicates an item was removed from the client.
	ItemDeleted Type = "item.deleted"
	// DownloadComplete indicates all selected files finished downloading.
	DownloadComplete Type = "download.complete"

	// MirrorQueued indicates files of an item were queued for mirroring.
	MirrorQueued Type = "mirror.queued"
	// MirrorUploaded indicates one file was accepted by the remote storage.
	MirrorUploaded Type = "mirror.uploaded"
	// MirrorCompleted indicates an asynchronous remote upload task finished.
	MirrorCompleted Type = "mirror.completed"
	// MirrorFailed indicates a file could not be mirrored.
	MirrorFailed Type = "mirror.failed"
	// MirrorRefreshed indicates the remote listing was refreshed.
	MirrorRefreshed Type = "mirror.refreshed"

	// Notification carries a user-facing message for notification channels.
	Notification Type = "notification"
)

// Event represents an event in the system.
// Subscription and Hash identify what the event is about; either may be empty.
// Data contains event-specific details.
type Event struct {
	Type         Type           `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Subscription string         `json:"subscription,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	Name         string         `json:"name,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

type subscriber struct {
	ch    chan Event
	types map[Type]bool // nil means all events
}

func (s *subscriber) wants(t Type) bool {
	return s.types == nil || s.types[t]
}

// Bus is an in-process publish/subscribe hub. Publishing never blocks: events
// are dropped for subscribers whose buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	logger      zerolog.Logger
	bufferSize  int
}

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

const defaultBufferSize = 100

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe creates a subscription for specific event types.
// If no types are provided, the subscription receives all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()

	return s.ch
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown or already removed subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subscribers, func(s *subscriber) bool {
		return Subscription(s.ch) == sub
	})
	if i < 0 {
		return
	}

	close(b.subscribers[i].ch)
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers {
		if !s.wants(event.Type) {
			continue
		}

		select {
		case s.ch <- event:
		default:
			b.logger.Warn().
				Str("type", string(event.Type)).
				Str("hash", event.Hash).
				Msg("event dropped - subscriber buffer full")
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Str("name", event.Name).
		Msg("event published")
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
