package analysis

import (
	"sync"
	"time"
)

// Alert holds the currently displayed verdict and clears it automatically
// after a fixed interval. Setting a new verdict replaces any pending expiry.
type Alert struct {
	ttl time.Duration

	mu      sync.Mutex
	current *Verdict
	gen     int // invalidates outstanding expiry timers
	onClear func()
}

func NewAlert(ttl time.Duration) *Alert {
	return &Alert{ttl: ttl}
}

// OnClear registers a callback fired when the verdict auto-expires.
func (a *Alert) OnClear(fn func()) {
	a.mu.Lock()
	a.onClear = fn
	a.mu.Unlock()
}

// Set installs v as the current verdict and schedules its expiry.
func (a *Alert) Set(v *Verdict) {
	a.mu.Lock()
	a.current = v
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	time.AfterFunc(a.ttl, func() {
		a.mu.Lock()
		if a.gen != gen || a.current == nil {
			a.mu.Unlock()
			return
		}
		a.current = nil
		fn := a.onClear
		a.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Current returns the displayed verdict, or nil when none is active.
func (a *Alert) Current() *Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
