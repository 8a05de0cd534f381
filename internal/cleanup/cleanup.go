package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/datahub_downloader/internal/logctx"
	"github.com/italolelis/datahub_downloader/internal/storage"
)

// incompleteSuffix matches the downloader's in-progress file convention.
// A fresh .incomplete file is a resumable download and must survive the
// sweep; only ones past the retention window are junk.
const incompleteSuffix = ".incomplete"

// Sweeper prunes the download journal and stale partial downloads.
type Sweeper struct {
	read  storage.DownloadReadRepository
	write storage.DownloadWriteRepository

	targetDir string
	retention time.Duration
}

func NewSweeper(read storage.DownloadReadRepository, write storage.DownloadWriteRepository, targetDir string, retention time.Duration) *Sweeper {
	return &Sweeper{
		read:      read,
		write:     write,
		targetDir: targetDir,
		retention: retention,
	}
}

// Sweep runs one retention pass: journal rows older than the retention
// window are dropped, and incomplete files nobody touched within the
// window are deleted. Finished product files are never removed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.pruneJournal(ctx); err != nil {
		return err
	}

	return s.pruneIncompleteFiles(ctx)
}

func (s *Sweeper) pruneJournal(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := s.read.GetExpiredDownloads(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return err
	}

	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.write.DeleteDownload(ctx, rec.ID); err != nil {
			logger.Error("failed to prune journal row", "id", rec.ID, "err", err)

			return err
		}

		logger.Debug("pruned journal row",
			"id", rec.ID, "batch_id", rec.BatchID, "product_id", rec.ProductID)
	}

	if len(expired) > 0 {
		logger.Info("pruned expired journal rows", "count", len(expired))
	}

	return nil
}

// pruneIncompleteFiles deletes partial downloads whose last write is past
// the retention window. An abandoned retrieval leaves these behind and
// they can hold a product's worth of disk each.
func (s *Sweeper) pruneIncompleteFiles(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-s.retention)

	return filepath.WalkDir(s.targetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), incompleteSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete stale incomplete file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale incomplete file",
			"file", path, "last_write", info.ModTime())

		return nil
	})
}
