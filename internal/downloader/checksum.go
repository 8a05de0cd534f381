package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/italolelis/datahub_downloader/internal/downloader/progress"
	"github.com/italolelis/datahub_downloader/internal/hub"
	"golang.org/x/crypto/sha3"
)

// checksumBlockSize keeps verification memory flat even for multi-GiB
// payloads.
const checksumBlockSize = 8 << 10

// verifyProgressInterval paces verification progress callbacks, in bytes.
// Same cadence as the transfer path.
const verifyProgressInterval = int64(100 << 20)

// newDigest returns the hash implementation for a hub-declared checksum
// algorithm, or false when the algorithm is not one we can verify.
func newDigest(algorithm string) (hash.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case hub.ChecksumMD5:
		return md5.New(), true
	case hub.ChecksumSHA3:
		return sha3.New256(), true
	default:
		return nil, false
	}
}

// verifyChecksum hashes the file at path block by block and compares the
// result against the hub-declared digest. Hex digests compare
// case-insensitively. A missing or unsupported digest is reported as
// ChecksumUnavailableError so callers never mistake "could not check" for
// "verified". A non-nil report callback receives coarse progress at
// verifyProgressInterval steps and once more when the whole file has been
// hashed.
func verifyChecksum(ctx context.Context, path, productID string, checksum hub.Checksum, report func(verified, total int64)) error {
	if checksum.Empty() {
		return &hub.ChecksumUnavailableError{ProductID: productID}
	}

	digest, ok := newDigest(checksum.Algorithm)
	if !ok {
		return &hub.ChecksumUnavailableError{ProductID: productID, Algorithm: checksum.Algorithm}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for verification: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file for verification: %w", err)
	}

	var src io.Reader = f
	if report != nil {
		src = progress.NewReader(f, fi.Size(), verifyProgressInterval, report)
	}

	buf := make([]byte, checksumBlockSize)
	for {
		select {
		case <-ctx.Done():
			return asCancelled(ctx.Err())
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read file for verification: %w", rerr)
		}
	}

	if report != nil {
		report(fi.Size(), fi.Size())
	}

	actual := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(actual, checksum.Value) {
		return &hub.InvalidChecksumError{
			Path:      path,
			Algorithm: strings.ToLower(checksum.Algorithm),
			Expected:  checksum.Value,
			Actual:    actual,
		}
	}

	return nil
}
