package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/datahub_downloader/internal/storage"
	"github.com/italolelis/datahub_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps the read and write repositories
// with telemetry. It satisfies both storage interfaces.
type InstrumentedDownloadRepository struct {
	read      *DownloadReadRepository
	write     *DownloadWriteRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		read:      NewDownloadReadRepository(dbConn),
		write:     NewDownloadWriteRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all journal rows with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		result, err = r.read.GetDownloads(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetBatchDownloads retrieves one batch's journal rows with telemetry.
func (r *InstrumentedDownloadRepository) GetBatchDownloads(ctx context.Context, batchID string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_batch_downloads", func(ctx context.Context) error {
		result, err = r.read.GetBatchDownloads(ctx, batchID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// GetExpiredDownloads retrieves expired journal rows with telemetry.
func (r *InstrumentedDownloadRepository) GetExpiredDownloads(ctx context.Context, before time.Time) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "get_expired_downloads", func(ctx context.Context) error {
		result, err = r.read.GetExpiredDownloads(ctx, before)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// TrackDownload records a journal row with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, rec *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.write.TrackDownload(ctx, rec)
	})
}

// DeleteDownload removes a journal row with telemetry.
func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.write.DeleteDownload(ctx, id)
	})
}
