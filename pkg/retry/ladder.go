package retry

import (
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultDelays is the reconnect ladder used when none is configured
var DefaultDelays = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}

// Ladder is a fixed, ordered list of delays. Each NextDelay call returns the
// current rung and climbs one step; once the top is reached every further
// call returns the top rung. Ladder is safe for concurrent use.
type Ladder struct {
	mu     sync.Mutex
	delays []time.Duration
	index  int
}

var _ backoff.BackOff = (*Ladder)(nil)

// NewLadder creates a ladder from the given delays, sorted ascending.
// With no delays DefaultDelays is used.
func NewLadder(delays ...time.Duration) *Ladder {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	d := slices.Clone(delays)
	slices.Sort(d)
	return &Ladder{delays: d}
}

// NextDelay returns the delay for the current attempt and advances
func (l *Ladder) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.delays[l.index]
	if l.index < len(l.delays)-1 {
		l.index++
	}
	return d
}

// Reset rewinds the ladder so the next delay is the first rung
func (l *Ladder) Reset() {
	l.mu.Lock()
	l.index = 0
	l.mu.Unlock()
}

// NextBackOff implements backoff.BackOff
func (l *Ladder) NextBackOff() time.Duration {
	return l.NextDelay()
}

// Attempt returns how many rungs have been climbed since the last reset
func (l *Ladder) Attempt() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}
