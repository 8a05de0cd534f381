package progress

import "io"

// Reader counts bytes flowing through the wrapped reader and invokes a
// callback at byte-interval steps, so callers can surface transfer progress
// without logging once per chunk.
type Reader struct {
	src      io.Reader
	total    int64
	step     int64
	read     int64
	nextMark int64
	report   func(read, total int64)
}

// NewReader wraps src. total may be zero when the payload length is unknown;
// the callback then only carries the running byte count.
func NewReader(src io.Reader, total, step int64, report func(read, total int64)) *Reader {
	if step <= 0 {
		step = 1
	}

	return &Reader{
		src:      src,
		total:    total,
		step:     step,
		nextMark: step,
		report:   report,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.read >= r.nextMark {
			r.report(r.read, r.total)
			r.nextMark = r.read + r.step
		}
	}

	return n, err
}

// BytesRead is the number of bytes that have passed through so far.
func (r *Reader) BytesRead() int64 {
	return r.read
}
