package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// expBackoff is a retry.Backoff with a configurable multiplier and cap.
func expBackoff(base time.Duration, mult float64, capDur time.Duration) retry.Backoff {
	if base <= 0 {
		base = time.Second
	}
	if mult < 1 {
		mult = 2
	}
	if capDur <= 0 {
		capDur = time.Minute
	}
	cur := base
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := cur
		next := time.Duration(float64(cur) * mult)
		if next > capDur {
			next = capDur
		}
		cur = next
		return d, false
	})
}

// errorPlane isolates one failure domain. The data plane and control plane
// each carry their own counter and backoff so a stalling source never
// disturbs the heartbeat cadence, and vice versa.
type errorPlane struct {
	name string
	max  int
	log  *slog.Logger

	mu          sync.Mutex
	consecutive int
	warned      bool
	backoff     retry.Backoff
	newBackoff  func() retry.Backoff
}

func newErrorPlane(name string, base time.Duration, mult float64, capDur time.Duration, max int, log *slog.Logger) *errorPlane {
	if max <= 0 {
		max = 10
	}
	nb := func() retry.Backoff { return expBackoff(base, mult, capDur) }
	return &errorPlane{
		name:       name,
		max:        max,
		log:        log,
		backoff:    nb(),
		newBackoff: nb,
	}
}

// failure counts one error and sleeps the current backoff. Breaching the
// threshold warns once and keeps running.
func (p *errorPlane) failure(ctx context.Context, err error) {
	p.mu.Lock()
	p.consecutive++
	if p.consecutive >= p.max && !p.warned {
		p.warned = true
		p.log.Warn("consecutive error threshold breached",
			"plane", p.name, "count", p.consecutive, "error", err)
	}
	d, _ := p.backoff.Next()
	p.mu.Unlock()

	p.log.Debug("plane error, backing off", "plane", p.name, "delay", d, "error", err)
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// success resets the counter and the backoff schedule.
func (p *errorPlane) success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consecutive != 0 {
		p.consecutive = 0
		p.warned = false
		p.backoff = p.newBackoff()
	}
}

func (p *errorPlane) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutive
}
