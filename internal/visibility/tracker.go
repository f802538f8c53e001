// Package visibility tells whether anyone is currently looking at the
// listings. A viewer is a connected event-stream client.
package visibility

import (
	"sync"
	"time"
)

// Change is broadcast when visibility flips.
type Change struct {
	Visible bool
	// HiddenFor is how long the snapshot went unwatched. Only set when
	// Visible is true.
	HiddenFor time.Duration
}

// Tracker counts viewers. With requireViewers false it always reports
// visible and never broadcasts.
type Tracker struct {
	requireViewers bool
	now            func() time.Time

	mu          sync.Mutex
	viewers     int
	hiddenSince time.Time
	subs        map[chan Change]struct{}
}

// NewTracker returns a tracker with no viewers.
func NewTracker(requireViewers bool) *Tracker {
	t := &Tracker{
		requireViewers: requireViewers,
		now:            time.Now,
		subs:           make(map[chan Change]struct{}),
	}
	t.hiddenSince = t.now()
	return t
}

// Visible reports whether refreshes are currently worth doing.
func (t *Tracker) Visible() bool {
	if !t.requireViewers {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewers > 0
}

// Viewers returns the current viewer count.
func (t *Tracker) Viewers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewers
}

// Acquire registers a viewer. Call the returned func exactly once when the
// viewer leaves; further calls are ignored.
func (t *Tracker) Acquire() func() {
	t.mu.Lock()
	t.viewers++
	if t.viewers == 1 {
		hidden := t.now().Sub(t.hiddenSince)
		t.broadcastLocked(Change{Visible: true, HiddenFor: hidden})
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(t.release)
	}
}

func (t *Tracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers--
	if t.viewers == 0 {
		t.hiddenSince = t.now()
		t.broadcastLocked(Change{Visible: false})
	}
}

// Subscribe returns a channel of visibility flips and a func to stop
// receiving them. Flips are dropped for subscribers that are not reading.
func (t *Tracker) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 4)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) broadcastLocked(c Change) {
	if !t.requireViewers {
		return
	}
	for ch := range t.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
