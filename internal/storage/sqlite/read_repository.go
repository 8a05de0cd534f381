package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/datahub_downloader/internal/storage"
)

const recordColumns = `id, batch_id, product_id, title, file_path, size_bytes, status, error, created_at, completed_at`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

func (r *DownloadReadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM downloads ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetBatchDownloads returns the journal rows of one batch run.
func (r *DownloadReadRepository) GetBatchDownloads(ctx context.Context, batchID string) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM downloads WHERE batch_id = ? ORDER BY created_at DESC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetExpiredDownloads returns rows created before the given instant, for
// the retention sweeper.
func (r *DownloadReadRepository) GetExpiredDownloads(ctx context.Context, before time.Time) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM downloads WHERE created_at < ?`, before.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			rec                  storage.DownloadRecord
			createdAt            string
			completedAt, errText sql.NullString
		)

		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.ProductID, &rec.Title,
			&rec.FilePath, &rec.SizeBytes, &rec.Status, &errText, &createdAt, &completedAt); err != nil {
			return nil, err
		}

		if errText.Valid {
			rec.Error = errText.String
		}

		// Timestamps are stored as RFC3339 text; parse failures leave the
		// zero time rather than losing the row.
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if completedAt.Valid {
			rec.CompletedAt, _ = time.Parse(time.RFC3339, completedAt.String)
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}
