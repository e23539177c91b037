// Package entitlement decides whether optional notifications may be sent.
package entitlement

import "time"

// Checker reports whether the installation is entitled to optional features.
type Checker interface {
	IsEntitled() bool
}

// Expiry grants entitlement until a fixed point in time.
type Expiry struct {
	expiresAt time.Time
	now       func() time.Time
}

// Option is a functional option for configuring Expiry.
type Option func(*Expiry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Expiry) {
		e.now = now
	}
}

// NewExpiry creates a checker from an expiration time in unix milliseconds.
// Zero means never entitled.
func NewExpiry(expiresAtMillis int64, opts ...Option) *Expiry {
	e := &Expiry{now: time.Now}
	if expiresAtMillis > 0 {
		e.expiresAt = time.UnixMilli(expiresAtMillis)
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// IsEntitled reports whether the expiration time lies in the future.
func (e *Expiry) IsEntitled() bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return e.now().Before(e.expiresAt)
}

// ExpiresAt returns the expiration time, zero when never entitled.
func (e *Expiry) ExpiresAt() time.Time {
	return e.expiresAt
}

// Static is a Checker with a fixed answer.
type Static bool

// IsEntitled returns the fixed answer.
func (s Static) IsEntitled() bool {
	return bool(s)
}
