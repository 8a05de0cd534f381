package storage

import (
	"context"
	"time"
)

// DownloadRecord is one journal row: the outcome of one product within one
// batch run.
type DownloadRecord struct {
	ID          int64
	BatchID     string
	ProductID   string
	Title       string
	FilePath    string
	SizeBytes   int64
	Status      string
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// DownloadReadRepository serves the journal to the REST API and the
// cleanup sweeper.
type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetBatchDownloads(ctx context.Context, batchID string) ([]DownloadRecord, error)
	GetExpiredDownloads(ctx context.Context, before time.Time) ([]DownloadRecord, error)
}

// DownloadWriteRepository records batch outcomes and lets the cleanup
// sweeper prune them again.
type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, record *DownloadRecord) error
	DeleteDownload(ctx context.Context, id int64) error
}
