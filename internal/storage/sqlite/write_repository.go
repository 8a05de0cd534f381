package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/datahub_downloader/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores journal rows in SQLite.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

func (r *DownloadWriteRepository) TrackDownload(ctx context.Context, rec *storage.DownloadRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var completedAt any
	if !rec.CompletedAt.IsZero() {
		completedAt = rec.CompletedAt.Format(time.RFC3339)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (batch_id, product_id, title, file_path, size_bytes, status, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, rec.ProductID, rec.Title, rec.FilePath, rec.SizeBytes,
		rec.Status, rec.Error, createdAt.Format(time.RFC3339), completedAt,
	)
	if err != nil {
		return err
	}

	rec.ID, err = res.LastInsertId()

	return err
}

// DeleteDownload removes one journal row.
func (r *DownloadWriteRepository) DeleteDownload(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}
