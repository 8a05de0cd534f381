package downloader

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/datahub_downloader/internal/hub"
)

// errProductAbandoned tells a download worker to end without reporting
// anything new: the product's retrieval worker already recorded the
// failure.
var errProductAbandoned = errors.New("product abandoned")

// workerResult is one worker's explicit outcome. Workers never exchange
// state beyond these messages and the batch state.
type workerResult struct {
	productID   string
	fromTrigger bool
	info        *hub.ProductInfo
	err         error
}

// batchState is the shared view of one DownloadAll run. Statuses only
// move forward through the Status order, so racing workers cannot undo
// each other's progress, and every mutation wakes the workers blocked in
// waitOnline.
type batchState struct {
	mu       sync.Mutex
	statuses map[string]Status
	errs     map[string]error
	products map[string]*hub.ProductInfo
	lastErr  error
	changed  chan struct{}

	onStatus func(productID string, status Status)
}

func newBatchState(ids []string, onStatus func(string, Status)) *batchState {
	s := &batchState{
		statuses: make(map[string]Status, len(ids)),
		errs:     make(map[string]error),
		products: make(map[string]*hub.ProductInfo, len(ids)),
		changed:  make(chan struct{}),
		onStatus: onStatus,
	}

	for _, id := range ids {
		s.statuses[id] = StatusUnavailable
	}

	return s
}

func (s *batchState) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statuses[id]
}

// setStatus advances a product's status. Attempts to move backwards are
// ignored. The status handler runs under the state lock, which is what
// keeps its transitions in lifecycle order; it must not call back into
// the batch.
func (s *batchState) setStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status <= s.statuses[id] {
		return
	}

	s.statuses[id] = status
	s.wakeLocked()

	if s.onStatus != nil {
		s.onStatus(id, status)
	}
}

func (s *batchState) setErr(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs[id] = err
	s.lastErr = err
	s.wakeLocked()
}

// clearErr drops a product's recorded error after a later attempt
// succeeded.
func (s *batchState) clearErr(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.errs, id)
}

func (s *batchState) err(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errs[id]
}

// lastRecordedErr is the most recently recorded per-product error. It
// stands in for the batch error when nothing was downloaded.
func (s *batchState) lastRecordedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *batchState) setProduct(id string, info *hub.ProductInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[id] = info
}

func (s *batchState) product(id string) *hub.ProductInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.products[id]
}

func (s *batchState) wakeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitOnline blocks a download worker until its product is online, its
// retrieval has failed or the batch is cancelled.
func (s *batchState) waitOnline(ctx context.Context, id string) error {
	for {
		s.mu.Lock()
		status := s.statuses[id]
		_, failed := s.errs[id]
		changed := s.changed
		s.mu.Unlock()

		if status >= StatusOnline {
			return nil
		}

		if failed {
			return errProductAbandoned
		}

		select {
		case <-ctx.Done():
			return asCancelled(ctx.Err())
		case <-changed:
		}
	}
}

// snapshot copies the current batch view. Safe to call while workers are
// still running.
func (s *batchState) snapshot() *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &BatchResult{
		Statuses: make(map[string]Status, len(s.statuses)),
		Errors:   make(map[string]error, len(s.errs)),
		Products: make(map[string]*hub.ProductInfo, len(s.products)),
	}

	for id, status := range s.statuses {
		result.Statuses[id] = status
	}

	for id, err := range s.errs {
		result.Errors[id] = err
	}

	for id, info := range s.products {
		result.Products[id] = info
	}

	return result
}
