package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
)

// TriggerOfflineRetrieval asks the long-term archive to bring a product
// back to fast storage. It reports true when the request was newly
// accepted and false when the product turned out to be online already.
func (d *Downloader) TriggerOfflineRetrieval(ctx context.Context, id string) (bool, error) {
	release, err := d.limiter.AcquireTrigger(ctx)
	if err != nil {
		return false, asCancelled(err)
	}
	defer release()

	return d.probeRetrieval(ctx, id)
}

// probeRetrieval performs one retrieval request against the archive. The
// request asks for a two-byte range so a product that is already online
// does not start streaming for real. The caller must hold a trigger
// permit.
func (d *Downloader) probeRetrieval(ctx context.Context, id string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return false, asCancelled(err)
	}

	resp, err := d.hub.Get(ctx, d.hub.ProductURL(id), "bytes=0-1")
	release()

	if err != nil {
		return false, asCancelled(err)
	}
	defer resp.Body.Close()

	cause := resp.Header.Get(hub.CauseHeader)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		logger.Debug("product is already online", "product_id", id)

		return false, nil
	case resp.StatusCode == http.StatusAccepted:
		logger.Debug("retrieval accepted", "product_id", id)

		return true, nil
	case resp.StatusCode == http.StatusForbidden && strings.Contains(cause, "concurrent flows"):
		// The archive answers 403 with this cause when the product is
		// online but the account's download lanes are all busy.
		logger.Debug("product is online but the concurrent download limit was hit", "product_id", id)

		return false, nil
	case resp.StatusCode == http.StatusForbidden:
		return false, &hub.LTAError{ProductID: id, Reason: "retrieval quota exceeded: " + cause, Quota: true}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return false, &hub.LTAError{ProductID: id, Reason: "retrieval request not accepted: " + cause}
	case resp.StatusCode < http.StatusBadRequest:
		return false, &hub.ServerError{Operation: "trigger_retrieval", StatusCode: resp.StatusCode, APIMessage: cause}
	}

	return false, hub.ClassifyResponse("trigger_retrieval", id, resp)
}

// triggerAndWait drives one offline product back to fast storage: it
// triggers the retrieval, then polls until the product surfaces, the
// retrieval timeout elapses or the batch is cancelled. The trigger permit
// is held for the whole loop, which is what bounds concurrent retrievals.
func (d *Downloader) triggerAndWait(ctx context.Context, id string, state *batchState, opts *Options) error {
	logger := logctx.LoggerFromContext(ctx)

	release, err := d.limiter.AcquireTrigger(ctx)
	if err != nil {
		return asCancelled(err)
	}
	defer release()

	var timeout <-chan time.Time

	if opts.LTATimeout > 0 {
		timer := time.NewTimer(opts.LTATimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return asCancelled(ctx.Err())
		case <-timeout:
			return &hub.LTAError{
				ProductID: id,
				Reason:    fmt.Sprintf("product did not come online within %s", opts.LTATimeout),
				Timeout:   true,
			}
		default:
		}

		online, err := d.isOnline(ctx, id)

		if err == nil {
			if online {
				break
			}

			if state.status(id) == StatusOffline {
				var triggered bool

				triggered, err = d.probeRetrieval(ctx, id)
				if err == nil {
					if !triggered {
						break
					}

					state.setStatus(id, StatusTriggered)
					logger.Info("retrieval accepted, waiting for the product to come online",
						"product_id", id, "poll_interval", opts.LTARetryDelay)
				}
			}
		}

		if err != nil {
			if !retryableTriggerErr(err) {
				return err
			}

			logger.Info("retrieval attempt failed, will retry",
				"product_id", id, "retry_in", opts.LTARetryDelay, "err", err)
		}

		timer := time.NewTimer(opts.LTARetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return asCancelled(ctx.Err())
		case <-timer.C:
		}
	}

	state.setStatus(id, StatusOnline)
	logger.Info("product retrieved from the long-term archive", "product_id", id)

	return nil
}

// retryableTriggerErr reports whether the retrieval loop keeps polling
// after err. Archive rejections and hub-side hiccups are expected while a
// product is being fished out of tape storage; quota exhaustion, timeouts
// and everything else end the worker.
func retryableTriggerErr(err error) bool {
	var ltaErr *hub.LTAError
	if errors.As(err, &ltaErr) {
		return ltaErr.Retryable()
	}

	var serverErr *hub.ServerError

	return errors.As(err, &serverErr)
}
