// Package limits implements the engine's resource admission controls:
// session/stream capacity semaphores and optional per-session token-bucket
// rate limiting (spec §4.12).
package limits

import "context"

// Semaphore is a buffered-channel-backed counting semaphore. Go's standard
// library has no semaphore type; this mirrors the owned-permit pattern the
// original source's resource_limits.rs builds on tokio::sync::Semaphore.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a Semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking, reporting whether it
// succeeded. Mirrors the original's try_acquire_owned.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release gives up a slot. Calling Release without a matching successful
// Acquire/TryAcquire is a caller bug.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		panic("limits: Semaphore.Release called without a held slot")
	}
}

// Available returns the number of free slots at the moment of the call.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}

// InUse returns the number of held slots at the moment of the call.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}
