package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/datahub_downloader/internal/downloader/progress"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// incompleteSuffix marks in-flight downloads. Finished files never
	// carry it: data is renamed into place only after it is complete and
	// verified.
	incompleteSuffix = ".incomplete"

	defaultChunkSize = 1 << 20
)

// asCancelled maps context interruption onto the cancellation error the
// rest of the pipeline classifies on.
func asCancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", hub.ErrCancelled, err)
	}

	return err
}

// verifyProgress builds the progress callback for checksum verification:
// hashing a multi-GiB payload is not silent.
func verifyProgress(logger *slog.Logger, path string) func(verified, total int64) {
	return func(verified, total int64) {
		logger.Debug("verification progress",
			"path", path,
			"verified", humanize.Bytes(uint64(verified)),
			"total", humanize.Bytes(uint64(total)))
	}
}

// transferTarget is one payload to bring to disk: a whole product archive
// or a single file inside a product package.
type transferTarget struct {
	ProductID string
	Label     string
	URL       string
	Size      int64
	Checksum  hub.Checksum
}

// fetch brings the target payload to path, reusing whatever a previous
// attempt left behind: an oversized incomplete file is discarded, a
// full-sized one is verified and kept when sound, a short one is resumed.
//
// The returned byte count covers this invocation only. A payload that was
// already on disk, or was served entirely from a previous attempt's
// incomplete file, reports zero.
func (d *Downloader) fetch(ctx context.Context, target transferTarget, path string, opts *Options) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := os.Stat(path); err == nil {
		logger.Info("file already downloaded, skipping", "path", path)

		return 0, nil
	}

	tempPath := path + incompleteSuffix

	skipStream, verified := false, false

	if fi, err := os.Stat(tempPath); err == nil {
		switch size := fi.Size(); {
		case size > target.Size:
			logger.Warn("existing incomplete file is larger than the product, restarting download",
				"path", tempPath, "size", humanize.Bytes(uint64(size)))

			if err := os.Remove(tempPath); err != nil {
				return 0, fmt.Errorf("failed to remove oversized incomplete file: %w", err)
			}
		case size == target.Size && opts.SkipVerification:
			skipStream = true
		case size == target.Size:
			err := verifyChecksum(ctx, tempPath, target.ProductID, target.Checksum, verifyProgress(logger, tempPath))

			var checksumErr *hub.InvalidChecksumError

			switch {
			case err == nil:
				skipStream, verified = true, true
			case errors.As(err, &checksumErr):
				logger.Warn("existing incomplete file is corrupt, restarting download", "path", tempPath)

				if err := os.Remove(tempPath); err != nil {
					return 0, fmt.Errorf("failed to remove corrupt incomplete file: %w", err)
				}
			default:
				return 0, err
			}
		default:
			logger.Info("continuing existing incomplete download",
				"path", tempPath, "resume_from", humanize.Bytes(uint64(size)))
		}
	}

	var written int64

	if !skipStream {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return 0, fmt.Errorf("failed to create target directory: %w", err)
		}

		n, err := d.stream(ctx, target, tempPath)
		written = n

		if err != nil {
			return written, err
		}
	}

	if !opts.SkipVerification && !verified {
		if err := verifyChecksum(ctx, tempPath, target.ProductID, target.Checksum, verifyProgress(logger, tempPath)); err != nil {
			var checksumErr *hub.InvalidChecksumError
			if errors.As(err, &checksumErr) {
				if rmErr := os.Remove(tempPath); rmErr != nil {
					logger.Error("failed to remove corrupt file", "path", tempPath, "err", rmErr)
				}
			}

			return written, err
		}
	}

	if err := os.Rename(tempPath, path); err != nil {
		return written, fmt.Errorf("failed to move finished download into place: %w", err)
	}

	logger.Info("downloaded and saved file", "path", path, "size", humanize.Bytes(uint64(target.Size)))

	return written, nil
}

// stream performs the HTTP transfer into tempPath, resuming from whatever
// the file already holds. Both the connection open and every chunk read
// acquire a transfer permit, so a shrunk quota takes effect mid-download
// rather than at the next file.
func (d *Downloader) stream(ctx context.Context, target transferTarget, tempPath string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		resumeFrom int64
		byteRange  string
	)

	flags := os.O_CREATE | os.O_WRONLY
	if fi, err := os.Stat(tempPath); err == nil && fi.Size() > 0 {
		resumeFrom = fi.Size()
		byteRange = fmt.Sprintf("bytes=%d-", resumeFrom)
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return 0, asCancelled(err)
	}

	resp, err := d.hub.Get(ctx, target.URL, byteRange)
	release()

	if err != nil {
		return 0, asCancelled(err)
	}
	defer resp.Body.Close()

	if err := checkStreamResponse(resp, target.ProductID, byteRange != ""); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(tempPath, flags, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to open incomplete file: %w", err)
	}
	defer out.Close()

	logger.Info("downloading file",
		"url", target.URL,
		"file_size", humanize.Bytes(uint64(target.Size)),
		"resume_from", humanize.Bytes(uint64(resumeFrom)))

	progressInterval := int64(100 * 1024 * 1024) // 100MB
	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", target.URL,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", target.URL, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(resp.Body, target.Size-resumeFrom, progressInterval, progressCb)

	buf := make([]byte, d.chunkSize)

	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, asCancelled(ctx.Err())
		default:
		}

		release, err := d.limiter.AcquireTransfer(ctx)
		if err != nil {
			return written, asCancelled(err)
		}

		n, rerr := io.ReadFull(pr, buf)
		release()

		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write to incomplete file: %w", werr)
			}

			written += int64(n)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}

		if rerr != nil {
			if ctx.Err() != nil {
				return written, asCancelled(ctx.Err())
			}

			return written, &hub.ServerError{Operation: "download", APIMessage: "stream read failed", Err: rerr}
		}
	}

	if resumeFrom+written < target.Size {
		return written, &hub.ServerError{
			Operation:  "download",
			APIMessage: fmt.Sprintf("stream ended early at %d of %d bytes", resumeFrom+written, target.Size),
		}
	}

	return written, nil
}

// checkStreamResponse validates the status of a download response. A
// server that ignores the Range header would make appends corrupt the
// file, so anything but 206 fails a resumed request.
func checkStreamResponse(resp *http.Response, productID string, resumed bool) error {
	if err := hub.ClassifyResponse("download", productID, resp); err != nil {
		return err
	}

	if resumed && resp.StatusCode != http.StatusPartialContent {
		return &hub.ServerError{Operation: "download", StatusCode: resp.StatusCode, APIMessage: "range request was not honored"}
	}

	if !resumed && resp.StatusCode != http.StatusOK {
		return &hub.ServerError{Operation: "download", StatusCode: resp.StatusCode, APIMessage: "unexpected download status"}
	}

	return nil
}
