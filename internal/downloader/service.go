package downloader

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
	"github.com/italolelis/datahub_downloader/internal/storage"
	"github.com/italolelis/datahub_downloader/internal/telemetry"
)

// Service runs download batches in the background and keeps the parts of
// the system around the core downloader fed: an in-memory batch registry
// for the API, journal rows for the retention sweeper and completion
// events for the notifier.
type Service struct {
	downloader *Downloader
	repo       storage.DownloadWriteRepository
	telemetry  *telemetry.Telemetry

	// baseCtx is what batch runs descend from: a batch must outlive the
	// API request that started it but still stop on daemon shutdown.
	baseCtx context.Context

	mu      sync.Mutex
	batches map[string]*batchEntry

	// OnBatchFinished receives one summary per finished batch. The daemon
	// consumes it for operator notifications.
	OnBatchFinished chan *BatchSummary
}

// BatchSummary describes one finished batch run.
type BatchSummary struct {
	BatchID    string
	Downloaded int
	Failed     int
	Duration   time.Duration
	Err        string
}

// BatchSnapshot is the API view of one batch: live while the batch runs,
// frozen once it finishes.
type BatchSnapshot struct {
	ID         string
	Directory  string
	ProductIDs []string
	Statuses   map[string]Status
	Errors     map[string]string
	Done       bool
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

type batchEntry struct {
	snapshot BatchSnapshot

	// downloadStarted remembers when each product's first transfer attempt
	// began, for the per-product duration metric.
	downloadStarted map[string]time.Time
}

// NewService builds a Service. Batch runs are children of baseCtx, not of
// the contexts individual StartBatch callers pass in. The repository may
// be nil when journal persistence is not wanted (tests mostly).
func NewService(baseCtx context.Context, d *Downloader, repo storage.DownloadWriteRepository, tel *telemetry.Telemetry) *Service {
	return &Service{
		downloader:      d,
		repo:            repo,
		telemetry:       tel,
		baseCtx:         baseCtx,
		batches:         make(map[string]*batchEntry),
		OnBatchFinished: make(chan *BatchSummary, 1),
	}
}

// Close releases the completion channel. Call only after every running
// batch has finished.
func (s *Service) Close() {
	close(s.OnBatchFinished)
}

// StartBatch launches a DownloadAll run in the background and returns its
// batch id right away. Progress is observable through GetBatch.
func (s *Service) StartBatch(ids []string, directory string, opts ...CallOption) string {
	batchID := uuid.NewString()

	entry := &batchEntry{
		snapshot: BatchSnapshot{
			ID:         batchID,
			Directory:  directory,
			ProductIDs: ids,
			Statuses:   make(map[string]Status, len(ids)),
			Errors:     make(map[string]string),
			CreatedAt:  time.Now(),
		},
		downloadStarted: make(map[string]time.Time),
	}

	s.mu.Lock()
	s.batches[batchID] = entry
	s.mu.Unlock()

	ctx := logctx.With(s.baseCtx, "batch_id", batchID)
	logger := logctx.LoggerFromContext(ctx)

	opts = append(opts, WithStatusHandler(func(productID string, status Status) {
		s.observeStatus(batchID, productID, status)
	}))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("batch run panic",
					"batch_id", batchID,
					"panic", r,
					"stack", string(debug.Stack()))

				s.finishBatch(ctx, batchID, nil, errors.New("batch run panicked"))
			}
		}()

		result, err := s.downloader.DownloadAll(ctx, ids, directory, opts...)
		s.finishBatch(ctx, batchID, result, err)
	}()

	return batchID
}

// TriggerRetrieval asks the archive to bring one product back to fast
// storage. It reports true when the retrieval was newly accepted.
func (s *Service) TriggerRetrieval(ctx context.Context, productID string) (bool, error) {
	triggered, err := s.downloader.TriggerOfflineRetrieval(ctx, productID)

	switch {
	case err == nil && triggered:
		s.telemetry.RecordLTATrigger("triggered")
	case err == nil:
		s.telemetry.RecordLTATrigger("online")
	default:
		s.telemetry.RecordLTATrigger(triggerResult(err))
	}

	return triggered, err
}

// GetBatch returns a copy of the batch's current state.
func (s *Service) GetBatch(batchID string) (*BatchSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return nil, false
	}

	snap := entry.snapshot
	snap.Statuses = make(map[string]Status, len(entry.snapshot.Statuses))
	snap.Errors = make(map[string]string, len(entry.snapshot.Errors))

	for id, status := range entry.snapshot.Statuses {
		snap.Statuses[id] = status
	}

	for id, msg := range entry.snapshot.Errors {
		snap.Errors[id] = msg
	}

	return &snap, true
}

// observeStatus folds one product status transition into the registry and
// the metrics. It runs on worker goroutines.
func (s *Service) observeStatus(batchID, productID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return
	}

	entry.snapshot.Statuses[productID] = status

	switch status {
	case StatusTriggered:
		s.telemetry.RecordLTATrigger("triggered")
	case StatusDownloadStarted:
		if _, seen := entry.downloadStarted[productID]; !seen {
			entry.downloadStarted[productID] = time.Now()
			s.telemetry.IncrementActiveDownloads()
		}
	}
}

// finishBatch settles the registry entry, writes the journal rows and
// emits the completion summary.
func (s *Service) finishBatch(ctx context.Context, batchID string, result *BatchResult, err error) {
	logger := logctx.LoggerFromContext(ctx)
	finishedAt := time.Now()

	summary := &BatchSummary{BatchID: batchID}
	if err != nil {
		summary.Err = err.Error()
	}

	s.mu.Lock()

	entry, ok := s.batches[batchID]
	if ok {
		entry.snapshot.Done = true
		entry.snapshot.Error = summary.Err
		entry.snapshot.FinishedAt = finishedAt

		summary.Duration = finishedAt.Sub(entry.snapshot.CreatedAt)

		if result != nil {
			for id, status := range result.Statuses {
				entry.snapshot.Statuses[id] = status
			}

			for id, productErr := range result.Errors {
				entry.snapshot.Errors[id] = productErr.Error()
			}
		}
	}

	s.mu.Unlock()

	if !ok || result == nil {
		s.emit(ctx, summary)

		return
	}

	for id, status := range result.Statuses {
		s.recordProduct(ctx, batchID, id, status, result, entry, finishedAt)

		if status.Successful() {
			summary.Downloaded++
		} else {
			summary.Failed++
		}
	}

	logger.Info("batch settled",
		"downloaded", summary.Downloaded, "failed", summary.Failed, "duration", summary.Duration)

	s.emit(ctx, summary)
}

// recordProduct writes one product's journal row and its metrics.
func (s *Service) recordProduct(ctx context.Context, batchID, id string, status Status, result *BatchResult, entry *batchEntry, finishedAt time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		title, path string
		size, bytes int64
	)

	if info := result.Products[id]; info != nil {
		title, path, size, bytes = info.Title, info.Path, info.Size, info.DownloadedBytes
	}

	s.mu.Lock()
	startedAt, started := entry.downloadStarted[id]
	s.mu.Unlock()

	if started {
		s.telemetry.DecrementActiveDownloads()

		metricStatus := "error"
		if status.Successful() {
			metricStatus = "success"
		}

		s.telemetry.RecordDownload(metricStatus, finishedAt.Sub(startedAt), bytes)
	}

	if s.repo == nil {
		return
	}

	rec := &storage.DownloadRecord{
		BatchID:   batchID,
		ProductID: id,
		Title:     title,
		FilePath:  path,
		SizeBytes: size,
		Status:    status.String(),
		CreatedAt: entry.snapshot.CreatedAt,
	}

	if productErr := result.Errors[id]; productErr != nil {
		rec.Error = productErr.Error()
	}

	if status.Successful() {
		rec.CompletedAt = finishedAt
	}

	if err := s.repo.TrackDownload(ctx, rec); err != nil {
		logger.Error("failed to record download in the journal", "product_id", id, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, summary *BatchSummary) {
	select {
	case s.OnBatchFinished <- summary:
	case <-ctx.Done():
	}
}

// triggerResult maps a trigger error onto the bounded metric result set.
func triggerResult(err error) string {
	var ltaErr *hub.LTAError
	if errors.As(err, &ltaErr) {
		switch {
		case ltaErr.Quota:
			return "quota"
		case ltaErr.Timeout:
			return "timeout"
		}
	}

	return "error"
}
