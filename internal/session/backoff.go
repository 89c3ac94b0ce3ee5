package session

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base, capped
// at Max, with ±20% jitter so a fleet of sessions does not retry in step.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the reconnect pacing used in production.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay returns the wait before reconnect attempt n (first attempt is 1).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}

	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// ±20% jitter
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
