package data

import "time"

// TimeProvider abstracts the clock so repositories timestamp rows
// consistently and tests can pin it.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider is the system clock. The zero value is ready to use.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider is a settable clock for tests.
type FixedTimeProvider struct {
	current time.Time
}

// NewFixedTimeProvider pins the clock to t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{current: t}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time { return f.current }

// SetTime moves the pinned clock to t.
func (f *FixedTimeProvider) SetTime(t time.Time) { f.current = t }

// AddTime advances the pinned clock by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) { f.current = f.current.Add(d) }
