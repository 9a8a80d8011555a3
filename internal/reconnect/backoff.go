// Package reconnect implements the client's Reconnect Policy: exponential
// backoff with full jitter between dial attempts, and an attempt counter
// that resets once a session has proven itself stable.
package reconnect

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy configures the backoff schedule (spec §4.11 defaults: 1s base,
// 60s cap, counter resets after 60s of continuous Active time).
type Policy struct {
	Base             time.Duration
	Max              time.Duration
	ActiveResetAfter time.Duration
}

// DefaultPolicy returns the spec's default reconnect policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:             time.Second,
		Max:              60 * time.Second,
		ActiveResetAfter: 60 * time.Second,
	}
}

// maxAttemptExponent bounds the exponent fed to math.Pow so a
// long-disconnected client can't overflow float64 chasing a delay that's
// clamped to Max anyway.
const maxAttemptExponent = 32

// Backoff tracks reconnect attempts for a single client connection.
type Backoff struct {
	policy Policy

	mu         sync.Mutex
	attempt    int
	resetTimer *time.Timer
}

// New creates a Backoff following policy.
func New(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay before the next reconnect attempt and advances the
// attempt counter. The delay is min(Base*2^attempt, Max) with full jitter:
// uniformly drawn from [0, computed] rather than a narrow band around it,
// so a thundering herd of clients disperses fully rather than clustering
// near the unjittered curve.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	attempt := b.attempt
	b.attempt++
	b.mu.Unlock()

	return fullJitter(computeDelay(b.policy, attempt))
}

func computeDelay(p Policy, attempt int) time.Duration {
	if attempt > maxAttemptExponent {
		attempt = maxAttemptExponent
	}
	scaled := float64(p.Base) * math.Pow(2, float64(attempt))
	if scaled <= 0 || scaled > float64(p.Max) {
		return p.Max
	}
	return time.Duration(scaled)
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Wait blocks for the next backoff delay, or until ctx is cancelled first.
// Returns false if ctx won.
func (b *Backoff) Wait(ctx context.Context) bool {
	d := b.Next()
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Attempts returns the number of reconnect attempts made since the last
// Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset zeroes the attempt counter, restarting the schedule from Base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// ScheduleActiveReset arms a timer that calls Reset once policy.ActiveResetAfter
// has elapsed. The caller arms this when a session reaches its stable state
// and must call CancelActiveReset if the session drops before the timer
// fires, or a short-lived connection would wrongly reset the schedule.
func (b *Backoff) ScheduleActiveReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = time.AfterFunc(b.policy.ActiveResetAfter, b.Reset)
}

// CancelActiveReset disarms a pending ScheduleActiveReset timer, if any.
func (b *Backoff) CancelActiveReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
}
