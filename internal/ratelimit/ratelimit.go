// Package ratelimit implements sliding-window admission control for outbound
// Discord API calls, plus the shared retry policy used by callers that are
// told to wait.
package ratelimit

import (
	"sync"
	"time"
)

// Command categories with dedicated windows.
const (
	CategoryImagine   = "imagine"
	CategoryUpscale   = "upscale"
	CategoryVariation = "variation"
)

// Policy defines a sliding window: at most MaxRequests within Window.
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

// Default policies, matching Discord's practical limits for user-token
// interaction calls.
var (
	DefaultGlobalPolicy   = Policy{Window: time.Second, MaxRequests: 50}
	DefaultCategoryPolicy = Policy{Window: time.Second, MaxRequests: 5}
)

// Decision is the outcome of an admission check. When Allowed is false,
// Wait is the duration until the blocking window frees a slot. The limiter
// never queues; callers either wait and retry or give up.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// window tracks request timestamps within a trailing policy window.
type window struct {
	policy Policy
	stamps []time.Time
}

// prune drops timestamps older than the window duration.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.policy.Window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// full reports whether the window is at capacity.
func (w *window) full() bool {
	return len(w.stamps) >= w.policy.MaxRequests
}

// wait returns the duration until the oldest timestamp leaves the window.
func (w *window) wait(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.policy.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter tracks one global window and one window per command category.
type Limiter struct {
	mu         sync.Mutex
	global     window
	categories map[string]*window
	catPolicy  Policy
	now        func() time.Time
}

// LimiterOpts holds optional overrides for creating a Limiter.
type LimiterOpts struct {
	Global   Policy
	Category Policy
	Now      func() time.Time // injectable clock for tests
}

// New creates a Limiter with the given (or default) policies.
func New(opts LimiterOpts) *Limiter {
	if opts.Global.MaxRequests == 0 {
		opts.Global = DefaultGlobalPolicy
	}
	if opts.Category.MaxRequests == 0 {
		opts.Category = DefaultCategoryPolicy
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		global:     window{policy: opts.Global},
		categories: make(map[string]*window),
		catPolicy:  opts.Category,
		now:        now,
	}
}

// Admit checks whether a request in the given category may proceed now.
// Both the global and the category window are pruned first; if either is at
// capacity the request is refused with the time until that window frees.
// On admission the current timestamp is recorded in both windows.
func (l *Limiter) Admit(category string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	cat, ok := l.categories[category]
	if !ok {
		cat = &window{policy: l.catPolicy}
		l.categories[category] = cat
	}

	l.global.prune(now)
	cat.prune(now)

	if l.global.full() || cat.full() {
		var wait time.Duration
		if l.global.full() {
			wait = l.global.wait(now)
		}
		if cat.full() {
			if cw := cat.wait(now); cw > wait {
				wait = cw
			}
		}
		return Decision{Allowed: false, Wait: wait}
	}

	l.global.stamps = append(l.global.stamps, now)
	cat.stamps = append(cat.stamps, now)
	return Decision{Allowed: true}
}

// Pending returns the current number of in-window timestamps for a category.
// Used by the dashboard status endpoint.
func (l *Limiter) Pending(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cat, ok := l.categories[category]
	if !ok {
		return 0
	}
	cat.prune(l.now())
	return len(cat.stamps)
}
