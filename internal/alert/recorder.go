package alert

import (
	"sync"
	"time"
)

// Recorder keeps the most recent alerts in a fixed-size ring.
type Recorder struct {
	mu    sync.RWMutex
	ring  []Alert
	next  int
	count int
}

// NewRecorder keeps up to size alerts.
func NewRecorder(size int) *Recorder {
	if size < 1 {
		size = 1
	}
	return &Recorder{ring: make([]Alert, size)}
}

// Add stores a, overwriting the oldest alert when full.
func (r *Recorder) Add(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = a
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Since returns alerts raised at or after t, oldest first.
func (r *Recorder) Since(t time.Time) []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Alert, 0, r.count)
	start := (r.next - r.count + len(r.ring)) % len(r.ring)
	for i := 0; i < r.count; i++ {
		a := r.ring[(start+i)%len(r.ring)]
		if !a.At.Before(t) {
			out = append(out, a)
		}
	}
	return out
}

// All returns every retained alert, oldest first.
func (r *Recorder) All() []Alert {
	return r.Since(time.Time{})
}
