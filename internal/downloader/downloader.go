package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// Downloader coordinates batches of product downloads against a data hub:
// availability discovery, long-term archive retrieval, bounded parallel
// transfers and per-product retries.
type Downloader struct {
	hub     hub.Client
	base    Options
	limiter *limiter

	chunkSize int64
}

// New builds a Downloader on top of an authenticated hub client.
func New(client hub.Client, opts Options) *Downloader {
	opts.setDefaults()

	return &Downloader{
		hub:       client,
		base:      opts,
		limiter:   newLimiter(int64(opts.TransferQuota), int64(opts.TriggerQuota)),
		chunkSize: defaultChunkSize,
	}
}

// ResizeQuotas applies new hub connection quotas at runtime. Workers
// holding a permit keep it; the new sizes apply from the next
// acquisition.
func (d *Downloader) ResizeQuotas(transferQuota, triggerQuota int) {
	if transferQuota > 0 {
		d.limiter.ResizeTransfer(int64(transferQuota))
	}

	if triggerQuota > 0 {
		d.limiter.ResizeTrigger(int64(triggerQuota))
	}
}

// BatchResult reports the outcome of one batch: the final status of every
// requested product, the last error of each failed one and the resolved
// product descriptors.
type BatchResult struct {
	Statuses map[string]Status
	Errors   map[string]error
	Products map[string]*hub.ProductInfo
}

// DownloadAll downloads every product in ids into directory. Online
// products download right away; offline ones are retrieved from the
// archive first and start downloading the moment they surface. Retrieval
// and transfer run on separate worker pools, so a slow archive never
// starves a ready download.
//
// A failed product does not stop the others unless fail-fast is on;
// rejected credentials always abort the whole batch. An error is also
// returned when not a single product ended up downloaded.
func (d *Downloader) DownloadAll(ctx context.Context, ids []string, directory string, callOpts ...CallOption) (*BatchResult, error) {
	opts := d.base
	for _, apply := range callOpts {
		apply(&opts)
	}

	logger := logctx.LoggerFromContext(ctx)

	productIDs := dedupe(ids)

	state := newBatchState(productIDs, opts.OnStatus)

	if len(productIDs) == 0 {
		return state.snapshot(), nil
	}

	logger.Info("starting product batch",
		"product_count", len(productIDs),
		"transfer_quota", opts.TransferQuota,
		"trigger_quota", opts.TriggerQuota)

	online, offline, err := d.initStatuses(ctx, productIDs, state, &opts)
	if err != nil {
		return state.snapshot(), err
	}

	// Already-downloaded offline products are dropped before anything
	// touches the archive: a retrieval consumes scarce quota.
	offline, err = d.skipExisting(ctx, directory, offline, state, &opts)
	if err != nil {
		return state.snapshot(), err
	}

	if err := d.runWorkers(ctx, directory, online, offline, state, &opts); err != nil {
		return state.snapshot(), err
	}

	return d.finalize(ctx, state)
}

// Download fetches a single product, waiting for the archive retrieval
// when the product is offline. It behaves exactly like a one-product
// DownloadAll batch.
func (d *Downloader) Download(ctx context.Context, id, directory string, callOpts ...CallOption) (*hub.ProductInfo, error) {
	result, err := d.DownloadAll(ctx, []string{id}, directory, callOpts...)
	if err != nil {
		return nil, err
	}

	return result.Products[id], nil
}

// initStatuses resolves the starting availability of every product and
// splits the batch into online and offline lanes.
func (d *Downloader) initStatuses(ctx context.Context, ids []string, state *batchState, opts *Options) (online, offline []string, _ error) {
	logger := logctx.LoggerFromContext(ctx)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, nil, asCancelled(err)
		}

		info, err := d.getProductInfo(ctx, id)
		if err != nil {
			var authErr *hub.UnauthorizedError
			if errors.As(err, &authErr) {
				return nil, nil, err
			}

			state.setErr(id, err)

			if opts.FailFast {
				return nil, nil, err
			}

			logger.Error("failed to get product info, product will be skipped", "product_id", id, "err", err)

			continue
		}

		state.setProduct(id, info)

		if info.Online {
			state.setStatus(id, StatusOnline)
			online = append(online, id)
		} else {
			state.setStatus(id, StatusOffline)
			offline = append(offline, id)
		}
	}

	logger.Info("product availability resolved", "online", len(online), "offline", len(offline))

	return online, offline, nil
}

// skipExisting drops offline products whose files are already on disk.
// Online products are left to the download lane, which performs the same
// check anyway; the point here is not to waste retrieval quota. In node
// mode the product archive filename says nothing about what is on disk,
// so nothing is skipped.
func (d *Downloader) skipExisting(ctx context.Context, directory string, offline []string, state *batchState, opts *Options) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if opts.NodeFilter != nil || len(offline) == 0 {
		return offline, nil
	}

	remaining := make([]string, 0, len(offline))

	for _, id := range offline {
		if err := ctx.Err(); err != nil {
			return nil, asCancelled(err)
		}

		info := state.product(id)

		filename, err := d.resolveFilename(ctx, info)
		if err != nil {
			var authErr *hub.UnauthorizedError
			if errors.As(err, &authErr) {
				return nil, err
			}

			state.setErr(id, err)

			if opts.FailFast {
				return nil, err
			}

			logger.Error("failed to resolve product filename, product will be skipped", "product_id", id, "err", err)

			continue
		}

		path := filepath.Join(directory, filename)
		if _, err := os.Stat(path); err == nil {
			logger.Info("product already downloaded, retrieval not needed", "product_id", id, "path", path)

			info.Path = path
			state.setStatus(id, StatusDownloaded)

			continue
		}

		remaining = append(remaining, id)
	}

	return remaining, nil
}

// runWorkers runs the two worker pools and aggregates their outcomes.
// The download pool handles every product; the trigger pool additionally
// drives archive retrieval of the offline ones. The returned error is
// batch-fatal: rejected credentials, the first failure under fail-fast,
// or cancellation.
func (d *Downloader) runWorkers(ctx context.Context, directory string, online, offline []string, state *batchState, opts *Options) error {
	pending := append(append([]string{}, online...), offline...)
	if len(pending) == 0 {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan workerResult, len(pending)+len(offline))

	downloads := new(errgroup.Group)
	downloads.SetLimit(min(opts.TransferQuota, len(pending)))

	triggers := new(errgroup.Group)
	if len(offline) > 0 {
		triggers.SetLimit(min(opts.TriggerQuota, len(offline)))
	}

	go func() {
		var submit sync.WaitGroup

		// Group submission blocks once the pool limit is reached, and a
		// trigger worker holds its slot for a whole retrieval. The two
		// lanes are submitted independently so neither queue stalls the
		// other.
		submit.Add(2)

		go func() {
			defer submit.Done()

			for _, id := range offline {
				triggers.Go(func() error {
					err := d.triggerAndWait(logctx.With(batchCtx, "product_id", id), id, state, opts)
					results <- workerResult{productID: id, fromTrigger: true, err: err}

					return nil
				})
			}
		}()

		go func() {
			defer submit.Done()

			// Online products go first: they can start immediately.
			for _, id := range pending {
				downloads.Go(func() error {
					info, err := d.downloadWithRetry(logctx.With(batchCtx, "product_id", id), id, directory, state, opts)
					results <- workerResult{productID: id, info: info, err: err}

					return nil
				})
			}
		}()

		submit.Wait()
		_ = triggers.Wait()
		_ = downloads.Wait()
		close(results)
	}()

	var batchErr error

	for res := range results {
		if res.err == nil && !res.fromTrigger && res.info == nil {
			// The download worker stood down because the retrieval had
			// already failed; the error is recorded under the product.
			continue
		}

		if res.err == nil && !res.fromTrigger {
			state.setProduct(res.productID, res.info)
			state.setStatus(res.productID, StatusDownloaded)
			state.clearErr(res.productID)

			continue
		}

		if res.err == nil {
			continue
		}

		state.setErr(res.productID, res.err)

		var authErr *hub.UnauthorizedError
		if errors.As(res.err, &authErr) || opts.FailFast {
			if batchErr == nil {
				batchErr = res.err

				cancel()
			}

			continue
		}

		logger.Error("product failed", "product_id", res.productID, "err", res.err)
	}

	if batchErr != nil {
		return batchErr
	}

	if err := ctx.Err(); err != nil {
		return asCancelled(err)
	}

	return nil
}

// finalize settles the batch outcome: it corrects the online flags with
// what the run has learned and fails the batch outright when nothing was
// downloaded at all.
func (d *Downloader) finalize(ctx context.Context, state *batchState) (*BatchResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	result := state.snapshot()

	downloaded := 0

	for id, status := range result.Statuses {
		if status.Successful() {
			downloaded++
		}

		info := result.Products[id]
		if info == nil {
			continue
		}

		switch {
		case status == StatusOffline || status == StatusTriggered:
			info.Online = false
		case status != StatusUnavailable:
			info.Online = true
		}
	}

	if downloaded == 0 {
		err := state.lastRecordedErr()
		if err == nil {
			err = &hub.ServerError{Operation: "download_all", APIMessage: "no products were downloaded"}
		}

		return result, err
	}

	logger.Info("product batch finished", "downloaded", downloaded, "failed", len(result.Errors))

	return result, nil
}

// downloadWithRetry is the download worker body: it waits for the product
// to be online, then tries the transfer up to MaxAttempts times. Both
// returns are nil when the worker stands down because the product's
// retrieval already failed.
func (d *Downloader) downloadWithRetry(ctx context.Context, id, directory string, state *batchState, opts *Options) (*hub.ProductInfo, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := state.waitOnline(ctx, id); err != nil {
		if errors.Is(err, errProductAbandoned) {
			return nil, nil
		}

		return nil, err
	}

	attempt := func() (*hub.ProductInfo, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(asCancelled(err))
		}

		state.setStatus(id, StatusDownloadStarted)

		info, err := d.downloadProduct(ctx, id, directory, opts)
		if err != nil {
			return nil, classifyAttemptErr(err)
		}

		return info, nil
	}

	info, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.RetryDelay)),
		backoff.WithMaxTries(uint(opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			var checksumErr *hub.InvalidChecksumError
			if errors.As(err, &checksumErr) {
				logger.Warn("downloaded file failed checksum verification, retrying",
					"product_id", id, "retry_in", next, "err", err)

				return
			}

			logger.Error("failed to download product, retrying",
				"product_id", id, "retry_in", next, "err", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, asCancelled(ctx.Err())
		}

		return nil, err
	}

	return info, nil
}

// classifyAttemptErr marks deterministic failures permanent so the retry
// loop does not burn attempts on them: cancellation, rejected
// credentials, unknown products, terminal archive failures and
// unverifiable checksums. A checksum mismatch stays retryable since a
// fresh transfer may well come down intact.
func classifyAttemptErr(err error) error {
	if errors.Is(err, hub.ErrCancelled) {
		return backoff.Permanent(err)
	}

	var authErr *hub.UnauthorizedError
	if errors.As(err, &authErr) {
		return backoff.Permanent(err)
	}

	var notFoundErr *hub.NotFoundError
	if errors.As(err, &notFoundErr) {
		return backoff.Permanent(err)
	}

	var ltaErr *hub.LTAError
	if errors.As(err, &ltaErr) && !ltaErr.Retryable() {
		return backoff.Permanent(err)
	}

	var unavailableErr *hub.ChecksumUnavailableError
	if errors.As(err, &unavailableErr) {
		return backoff.Permanent(err)
	}

	return err
}

// downloadProduct performs one download attempt: the whole product
// archive, or the filtered package files when a node filter is set.
// Metadata is re-read on every attempt so a stale size or checksum from a
// failed attempt cannot poison the next one.
func (d *Downloader) downloadProduct(ctx context.Context, id, directory string, opts *Options) (*hub.ProductInfo, error) {
	if opts.NodeFilter != nil {
		return d.downloadNodes(ctx, id, directory, opts)
	}

	info, err := d.getProductInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	filename, err := d.resolveFilename(ctx, info)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(directory, filename)
	info.Path = path

	written, err := d.fetch(ctx, transferTarget{
		ProductID: id,
		Label:     info.Title,
		URL:       info.URL,
		Size:      info.Size,
		Checksum:  info.Checksum,
	}, path, opts)

	info.DownloadedBytes = written

	if err != nil {
		return nil, err
	}

	return info, nil
}

// Every hub call below counts against the transfer quota, the light
// metadata and status reads included.

func (d *Downloader) getProductInfo(ctx context.Context, id string) (*hub.ProductInfo, error) {
	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return nil, asCancelled(err)
	}
	defer release()

	return d.hub.GetProductInfo(ctx, id)
}

func (d *Downloader) isOnline(ctx context.Context, id string) (bool, error) {
	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return false, asCancelled(err)
	}
	defer release()

	return d.hub.IsOnline(ctx, id)
}

func (d *Downloader) resolveFilename(ctx context.Context, info *hub.ProductInfo) (string, error) {
	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return "", asCancelled(err)
	}
	defer release()

	return d.hub.ResolveFilename(ctx, info)
}

// dedupe drops repeated ids, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
