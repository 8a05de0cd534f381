package downloader

import "fmt"

// Status tracks how far a product has progressed through a batch. The
// values are ordered: a product only ever moves to a higher status, never
// back, so concurrent workers can race on updates without corrupting the
// lifecycle.
type Status int

const (
	// StatusUnavailable means the product's availability could not be
	// determined, usually because the metadata lookup failed.
	StatusUnavailable Status = iota
	// StatusOffline means the product sits in the long-term archive and
	// must be retrieved before it can be downloaded.
	StatusOffline
	// StatusTriggered means an archive retrieval has been accepted and the
	// product is on its way back to fast storage.
	StatusTriggered
	// StatusOnline means the product is resident in fast storage and ready
	// to be downloaded.
	StatusOnline
	// StatusDownloadStarted means a transfer attempt for the product has
	// begun.
	StatusDownloadStarted
	// StatusDownloaded means the product was fully downloaded and, when
	// verification is on, its checksum matched.
	StatusDownloaded
)

var statusNames = map[Status]string{
	StatusUnavailable:     "unavailable",
	StatusOffline:         "offline",
	StatusTriggered:       "triggered",
	StatusOnline:          "online",
	StatusDownloadStarted: "download_started",
	StatusDownloaded:      "downloaded",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Successful reports whether the product finished the batch with its
// payload on disk.
func (s Status) Successful() bool {
	return s == StatusDownloaded
}

// ParseStatus maps a stored status name back to its value. Used when
// reading journal rows.
func ParseStatus(name string) (Status, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}

	return StatusUnavailable, fmt.Errorf("unknown download status %q", name)
}
