// Package clock implements the mode-based logical clock. It estimates the
// skew between a source's file mtimes and this process's wall clock by
// voting: every realtime observation contributes one integer-second skew
// sample, and the most common sample wins. A handful of rogue timestamps
// (a touch -d into the future, one drifted host) cannot outvote the
// majority, so the watermark stays stable.
package clock

import (
	"sync"
	"time"
)

// DefaultWindowSize is the skew sample ring capacity.
const DefaultWindowSize = 10000

// Clock produces a watermark W = physical_now - mode_skew.
//
// All methods are safe for concurrent use.
type Clock struct {
	mu        sync.Mutex
	window    []int64 // ring of skew samples, integer seconds
	next      int     // ring write cursor
	filled    bool
	histogram map[int64]int
	nowFunc   func() time.Time
}

// New returns a clock with the given sample window capacity. cap <= 0 uses
// DefaultWindowSize.
func New(capacity int) *Clock {
	return NewWithNow(capacity, time.Now)
}

// NewWithNow is New with an injectable time source.
func NewWithNow(capacity int, now func() time.Time) *Clock {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Clock{
		window:    make([]int64, 0, capacity),
		histogram: make(map[int64]int),
		nowFunc:   now,
	}
}

// Update optionally samples the skew against observedMtime (fractional
// seconds) and returns the current watermark. Only realtime observations
// should pass canSampleSkew=true; snapshot and audit rows carry cold
// historical mtimes that would drag the clock backward.
func (c *Clock) Update(observedMtime float64, canSampleSkew bool) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if canSampleSkew && observedMtime != 0 {
		skew := int64(c.physicalNow() - observedMtime)
		c.sample(skew)
	}
	return c.watermark()
}

// Now returns the watermark. Before the first sample it equals physical now.
func (c *Clock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark()
}

// Skew returns the current mode skew in seconds, 0 before the first sample.
func (c *Clock) Skew() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode()
}

// Reset clears all samples.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = c.window[:0]
	c.next = 0
	c.filled = false
	c.histogram = make(map[int64]int)
}

func (c *Clock) physicalNow() float64 {
	return float64(c.nowFunc().UnixNano()) / float64(time.Second)
}

func (c *Clock) sample(skew int64) {
	if c.filled {
		// Evict the oldest sample before overwriting its slot.
		old := c.window[c.next]
		if n := c.histogram[old] - 1; n > 0 {
			c.histogram[old] = n
		} else {
			delete(c.histogram, old)
		}
		c.window[c.next] = skew
	} else {
		c.window = append(c.window, skew)
	}
	c.histogram[skew]++
	c.next++
	if c.next == cap(c.window) {
		c.next = 0
		c.filled = true
	}
}

// mode returns the skew with the maximum vote count, breaking ties toward
// the smaller skew (prefers lower apparent latency).
func (c *Clock) mode() int64 {
	var best int64
	bestCount := 0
	for skew, count := range c.histogram {
		if count > bestCount || (count == bestCount && skew < best) {
			best = skew
			bestCount = count
		}
	}
	return best
}

func (c *Clock) watermark() float64 {
	if len(c.window) == 0 {
		return c.physicalNow()
	}
	return c.physicalNow() - float64(c.mode())
}
