// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns a conservative policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Decision tells the loop what to do after a failed attempt.
type Decision struct {
	Retry bool
	// After overrides the computed backoff when positive.
	After time.Duration
}

// Classifier maps an error to a retry decision.
type Classifier func(err error) Decision

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff returns the delay before attempt n (1-based) using full jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt-1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	jitterMu.Lock()
	j := time.Duration(jitterRNG.Int63n(int64(d)/2 + 1))
	jitterMu.Unlock()
	return d/2 + j
}

// Do runs fn until it succeeds, the classifier refuses a retry, attempts are
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		d := classify(err)
		if !d.Retry || attempt == attempts {
			return err
		}

		wait := p.Backoff(attempt)
		if d.After > 0 {
			wait = d.After
			if p.MaxDelay > 0 && wait > p.MaxDelay {
				wait = p.MaxDelay
			}
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
