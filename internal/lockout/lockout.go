// Package lockout throttles credential guessing. One-time codes are short
// digit strings, so a subject that keeps submitting wrong codes is locked out
// for a cooling-off period instead of being allowed to walk the keyspace.
package lockout

import (
	"sync"
	"time"

	"haleoracle/pkg/platform/sentinel"
)

const (
	defaultMaxStrikes = 5
	defaultWindow     = 10 * time.Minute
	defaultLockFor    = 5 * time.Minute
)

type entry struct {
	strikes     int
	firstAt     time.Time
	lockedUntil time.Time
}

// Guard tracks validation failures per subject.
type Guard struct {
	mu         sync.Mutex
	entries    map[string]*entry
	now        func() time.Time
	maxStrikes int
	window     time.Duration
	lockFor    time.Duration
}

// Option configures the Guard.
type Option func(*Guard)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLimits overrides strike count, strike window, and lock duration.
func WithLimits(maxStrikes int, window, lockFor time.Duration) Option {
	return func(g *Guard) {
		g.maxStrikes = maxStrikes
		g.window = window
		g.lockFor = lockFor
	}
}

func New(opts ...Option) *Guard {
	g := &Guard{
		entries:    make(map[string]*entry),
		now:        time.Now,
		maxStrikes: defaultMaxStrikes,
		window:     defaultWindow,
		lockFor:    defaultLockFor,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns sentinel.ErrLocked while the subject is in its lock period.
func (g *Guard) Check(subject string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[subject]
	if !ok {
		return nil
	}
	if g.now().Before(e.lockedUntil) {
		return sentinel.ErrLocked
	}
	return nil
}

// RecordFailure adds a strike; reaching the limit within the window locks the
// subject. Strikes older than the window reset the count.
func (g *Guard) RecordFailure(subject string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[subject]
	if !ok || now.Sub(e.firstAt) > g.window {
		e = &entry{firstAt: now}
		g.entries[subject] = e
	}
	e.strikes++
	if e.strikes >= g.maxStrikes {
		e.lockedUntil = now.Add(g.lockFor)
		e.strikes = 0
		e.firstAt = now
	}
}

// Clear drops all state for a subject, used after a successful validation.
func (g *Guard) Clear(subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, subject)
}
