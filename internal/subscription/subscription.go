// Package subscription holds the subscription model and its file-backed store.
package subscription

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no subscription has the requested ID.
	ErrNotFound = errors.New("subscription not found")
	// ErrDuplicate is returned when a subscription with the same feed URL exists.
	ErrDuplicate = errors.New("subscription already exists")
)

// Subscription is a followed series. The core receives it by value; only the
// store mutates the stored copy.
type Subscription struct {
	ID      string `yaml:"id"      json:"id"`
	Title   string `yaml:"title"   json:"title"`
	URL     string `yaml:"url"     json:"url"`
	Season  int    `yaml:"season"  json:"season"`
	Enable  bool   `yaml:"enable"  json:"enable"`
	OVA     bool   `yaml:"ova"     json:"ova"`

	// CurrentEpisodeNumber is the newest episode confirmed submitted.
	CurrentEpisodeNumber int `yaml:"currentEpisodeNumber" json:"currentEpisodeNumber"`

	// Per-subscription overrides. Zero values fall back to the global settings.
	UpLimit                  int64 `yaml:"upLimit,omitempty"                  json:"upLimit,omitempty"`
	DlLimit                  int64 `yaml:"dlLimit,omitempty"                  json:"dlLimit,omitempty"`
	RatioLimit               *int  `yaml:"ratioLimit,omitempty"               json:"ratioLimit,omitempty"`
	SeedingTimeLimit         *int  `yaml:"seedingTimeLimit,omitempty"         json:"seedingTimeLimit,omitempty"`
	InactiveSeedingTimeLimit *int  `yaml:"inactiveSeedingTimeLimit,omitempty" json:"inactiveSeedingTimeLimit,omitempty"`

	// Mirror overrides the global mirror switch when set.
	Mirror *bool `yaml:"mirror,omitempty" json:"mirror,omitempty"`

	CreatedAt time.Time `yaml:"createdAt" json:"createdAt"`
}

// MirrorEnabled reports whether completed downloads of s are mirrored given
// the global mirror switch.
func (s Subscription) MirrorEnabled(global bool) bool {
	if !global {
		return false
	}
	if s.Mirror != nil {
		return *s.Mirror
	}
	return true
}

// DisplayName returns the title, falling back to the ID.
func (s Subscription) DisplayName() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return s.ID
}

// Store persists subscriptions. Implementations must be safe for concurrent use.
type Store interface {
	// List returns a snapshot of all subscriptions.
	List() []Subscription
	// Get returns the subscription with the given ID or ErrNotFound.
	Get(id string) (Subscription, error)
	// Add stores a new subscription, assigning an ID when empty.
	Add(sub Subscription) (Subscription, error)
	// Update replaces the stored subscription with the same ID.
	Update(sub Subscription) error
	// Modify applies fn to the stored subscription with the given ID and
	// persists the result as one atomic step. It returns the new value.
	Modify(id string, fn func(*Subscription)) (Subscription, error)
	// Remove deletes the subscriptions with the given IDs and returns them.
	Remove(ids ...string) ([]Subscription, error)
	// Sync flushes the current list to durable storage.
	Sync() error
}
