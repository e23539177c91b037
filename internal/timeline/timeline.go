// Package timeline keeps an in-memory history of lifecycle transitions.
package timeline

import (
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event is a single recorded transition.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Message      string         `json:"message"`
	Hash         string         `json:"hash,omitempty"`
	Name         string         `json:"name,omitempty"`
	Subscription string         `json:"subscription,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Recorder records and retrieves timeline events.
type Recorder interface {
	// Record adds a new event to the timeline.
	Record(event Event)

	// GetAll returns all events, newest first.
	GetAll() []Event

	// GetByItem returns events for one torrent hash, newest first.
	GetByItem(hash string) []Event

	// GetBySubscription returns events for one subscription, newest first.
	GetBySubscription(id string) []Event

	// Clear removes all events for a torrent hash.
	Clear(hash string)
}

// recorder is the default in-memory implementation of Recorder.
type recorder struct {
	mu        sync.RWMutex
	events    []Event // newest first
	logger    zerolog.Logger
	maxEvents int
}

// Option is a functional option for configuring the recorder.
type Option func(*recorder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *recorder) {
		r.logger = logger
	}
}

// WithMaxEvents sets the maximum number of events to retain.
func WithMaxEvents(maxEvents int) Option {
	return func(r *recorder) {
		r.maxEvents = maxEvents
	}
}

const defaultMaxEvents = 10000

// NewRecorder creates a new timeline recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &recorder{
		logger:    zerolog.Nop(),
		maxEvents: defaultMaxEvents,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record adds a new event to the timeline.
func (r *recorder) Record(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.events = slices.Insert(r.events, 0, event)
	if len(r.events) > r.maxEvents {
		r.events = r.events[:r.maxEvents]
	}
	r.mu.Unlock()

	r.logger.Debug().
		Str("id", event.ID).
		Str("type", event.Type).
		Str("message", event.Message).
		Msg("timeline event recorded")
}

// GetAll returns all events, newest first.
func (r *recorder) GetAll() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}

// GetByItem returns events for one torrent hash, newest first.
func (r *recorder) GetByItem(hash string) []Event {
	return r.filter(func(e Event) bool { return e.Hash == hash })
}

// GetBySubscription returns events for one subscription, newest first.
func (r *recorder) GetBySubscription(id string) []Event {
	return r.filter(func(e Event) bool { return e.Subscription == id })
}

// Clear removes all events for a torrent hash.
func (r *recorder) Clear(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = slices.DeleteFunc(r.events, func(e Event) bool {
		return e.Hash == hash
	})
}

func (r *recorder) filter(keep func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Event
	for _, e := range r.events {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}
