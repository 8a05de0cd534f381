package downloader

import (
	"time"

	"github.com/italolelis/datahub_downloader/internal/hub"
)

// Defaults match the hub's documented per-account connection quotas and
// the retry cadence its operators recommend.
const (
	DefaultTransferQuota = 4
	DefaultTriggerQuota  = 10
	DefaultMaxAttempts   = 10
	DefaultRetryDelay    = 10 * time.Second
	DefaultLTARetryDelay = 60 * time.Second
)

// Options configure a Downloader. The zero value uses the defaults above,
// verifies checksums and never fails fast.
type Options struct {
	// TransferQuota caps concurrent payload connections to the hub,
	// including metadata reads and status probes.
	TransferQuota int
	// TriggerQuota caps concurrent archive retrievals.
	TriggerQuota int

	// MaxAttempts is how many times a product download is tried before
	// its worker gives up.
	MaxAttempts int
	// RetryDelay is the pause between download attempts of one product.
	RetryDelay time.Duration
	// LTARetryDelay is the poll interval while waiting for an archive
	// retrieval to finish.
	LTARetryDelay time.Duration
	// LTATimeout bounds the whole wait for one product to come back from
	// the archive. Zero waits indefinitely.
	LTATimeout time.Duration

	// SkipVerification turns off checksum verification of transferred
	// payloads.
	SkipVerification bool
	// FailFast makes the first failed product cancel the whole batch.
	FailFast bool
	// NodeFilter, when set, selects individual files out of each product
	// package instead of downloading the product archive.
	NodeFilter hub.NodeFilter

	// OnStatus, when set, observes every product status transition.
	OnStatus func(productID string, status Status)
}

func (o *Options) setDefaults() {
	if o.TransferQuota <= 0 {
		o.TransferQuota = DefaultTransferQuota
	}

	if o.TriggerQuota <= 0 {
		o.TriggerQuota = DefaultTriggerQuota
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}

	if o.LTARetryDelay <= 0 {
		o.LTARetryDelay = DefaultLTARetryDelay
	}
}

// CallOption adjusts a single DownloadAll, Download or batch call without
// touching the Downloader's base configuration.
type CallOption func(*Options)

// WithNodeFilter downloads only the package files the filter selects.
func WithNodeFilter(filter hub.NodeFilter) CallOption {
	return func(o *Options) { o.NodeFilter = filter }
}

// WithVerification toggles checksum verification for this call.
func WithVerification(enabled bool) CallOption {
	return func(o *Options) { o.SkipVerification = !enabled }
}

// WithFailFast toggles cancelling the whole batch on the first failed
// product.
func WithFailFast(enabled bool) CallOption {
	return func(o *Options) { o.FailFast = enabled }
}

// WithMaxAttempts overrides how many tries each product download gets.
func WithMaxAttempts(n int) CallOption {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithRetryDelay overrides the pause between download attempts.
func WithRetryDelay(d time.Duration) CallOption {
	return func(o *Options) {
		if d > 0 {
			o.RetryDelay = d
		}
	}
}

// WithLTARetryDelay overrides the archive retrieval poll interval.
func WithLTARetryDelay(d time.Duration) CallOption {
	return func(o *Options) {
		if d > 0 {
			o.LTARetryDelay = d
		}
	}
}

// WithLTATimeout bounds the wait for archive retrievals in this call.
func WithLTATimeout(d time.Duration) CallOption {
	return func(o *Options) { o.LTATimeout = d }
}

// WithStatusHandler observes every product status transition of this
// call. Transitions for one product arrive in lifecycle order.
func WithStatusHandler(fn func(productID string, status Status)) CallOption {
	return func(o *Options) { o.OnStatus = fn }
}
