package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWindow is the admission window per sender.
const DefaultWindow = 24 * time.Hour

// Limiter admits one message per sender per window. Each sender gets a
// token bucket of size one that refills once per window, so a denied call
// never extends the cooldown. State is in memory only.
type Limiter struct {
	mu           sync.Mutex
	entries      map[string]*entry
	window       time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type entry struct {
	lim        *rate.Limiter
	admittedAt time.Time
}

type Option func(*Limiter)

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

func WithCleanupEvery(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupEvery = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries:      make(map[string]*entry),
		window:       DefaultWindow,
		cleanupEvery: time.Hour,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit reports whether sender may enqueue a message now and, if so,
// starts a new window for it.
func (l *Limiter) Admit(sender string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.entries[sender]
	if ok && !now.Before(ent.admittedAt.Add(l.window)) {
		delete(l.entries, sender)
		ok = false
	}
	if !ok {
		ent = &entry{lim: rate.NewLimiter(rate.Every(l.window), 1)}
		l.entries[sender] = ent
	}
	if !ent.lim.AllowN(now, 1) {
		return false
	}
	ent.admittedAt = now
	return true
}

// Len returns the number of tracked senders.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cleanup drops senders whose window has elapsed.
func (l *Limiter) Cleanup() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if !ent.admittedAt.After(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}
