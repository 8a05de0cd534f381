package downloader

import (
	"context"
	"sync"
)

// resizableSemaphore is a counting semaphore whose capacity can change
// while permits are held. Growing wakes blocked acquirers immediately.
// Shrinking never evicts current holders: acquires simply stay blocked
// until enough permits drain back below the new capacity.
//
// golang.org/x/sync/semaphore is fixed-size, which is why this exists.
type resizableSemaphore struct {
	mu   sync.Mutex
	size int64
	held int64
	wake chan struct{}
}

func newResizableSemaphore(size int64) *resizableSemaphore {
	if size < 1 {
		size = 1
	}

	return &resizableSemaphore{size: size, wake: make(chan struct{})}
}

// Acquire blocks until a permit is free or ctx is done.
func (s *resizableSemaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.held < s.size {
			s.held++
			s.mu.Unlock()

			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Release returns one permit. It must be called exactly once per
// successful Acquire.
func (s *resizableSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == 0 {
		panic("downloader: semaphore released more times than acquired")
	}

	s.held--
	s.wakeLocked()
}

// Resize changes the capacity. Sizes below one are clamped to one so the
// semaphore can never deadlock a batch outright.
func (s *resizableSemaphore) Resize(size int64) {
	if size < 1 {
		size = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.size = size
	s.wakeLocked()
}

func (s *resizableSemaphore) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// limiter enforces the hub's two server-side connection quotas: one for
// payload transfers (downloads, metadata reads and status probes) and one
// for concurrent archive retrievals.
type limiter struct {
	transfer *resizableSemaphore
	trigger  *resizableSemaphore
}

func newLimiter(transferQuota, triggerQuota int64) *limiter {
	return &limiter{
		transfer: newResizableSemaphore(transferQuota),
		trigger:  newResizableSemaphore(triggerQuota),
	}
}

// AcquireTransfer blocks until a transfer permit is free. The returned
// release must be called exactly once.
func (l *limiter) AcquireTransfer(ctx context.Context) (func(), error) {
	if err := l.transfer.Acquire(ctx); err != nil {
		return nil, err
	}

	return l.transfer.Release, nil
}

// AcquireTrigger blocks until an archive retrieval permit is free. The
// returned release must be called exactly once.
func (l *limiter) AcquireTrigger(ctx context.Context) (func(), error) {
	if err := l.trigger.Acquire(ctx); err != nil {
		return nil, err
	}

	return l.trigger.Release, nil
}

// ResizeTransfer changes the transfer quota at runtime.
func (l *limiter) ResizeTransfer(quota int64) {
	l.transfer.Resize(quota)
}

// ResizeTrigger changes the archive retrieval quota at runtime.
func (l *limiter) ResizeTrigger(quota int64) {
	l.trigger.Resize(quota)
}
