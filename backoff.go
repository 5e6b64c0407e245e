package redisr

import (
	"context"
	"math/rand"
	"time"
)

// Policy computes the delay to wait before a retry attempt. The delay
// grows exponentially from Base, is capped at Max, and is randomized
// with equal jitter (half the computed delay is fixed, the other half
// is random) so that many clients retrying at once do not synchronize.
//
// The zero value uses defaults of 100ms base and 2s max. A Policy is
// stateless, the attempt counter is owned by the caller.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
}

const (
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

func (p Policy) base() time.Duration {
	if p.Base > 0 {
		return p.Base
	}
	return defaultBaseDelay
}

func (p Policy) max() time.Duration {
	if p.Max > 0 {
		return p.Max
	}
	return defaultMaxDelay
}

// Delay returns the jittered delay for the attempt, starting at 0 for
// the first retry. The returned value is in [d/2, d) where d is the
// capped exponential delay for that attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d, maxd := p.base(), p.max()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxd {
			d = maxd
			break
		}
	}

	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleep waits out the delay, returning early with the context's error
// if it is canceled first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
