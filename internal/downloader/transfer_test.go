package downloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferFixture(t *testing.T, payload []byte) (*Downloader, *mockHub, transferTarget, string) {
	t.Helper()

	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", payload, true)

	target := transferTarget{
		ProductID: info.ID,
		Label:     info.Title,
		URL:       info.URL,
		Size:      info.Size,
		Checksum:  info.Checksum,
	}

	return newTestDownloader(m, Options{}), m, target, t.TempDir()
}

func TestFetchFreshDownload(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Equal(t, target.Size, written)
	assert.Equal(t, 1, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	assert.NoFileExists(t, path+incompleteSuffix)
}

func TestFetchSkipsExistingFile(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")
	require.NoError(t, os.WriteFile(path, []byte("already here"), filePerm))

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Zero(t, written)
	assert.Zero(t, m.gets(target.URL), "an existing file must not be downloaded again")
}

func TestFetchRestartsOversizedIncomplete(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")
	oversized := append(append([]byte(nil), payload...), []byte("trailing junk")...)
	require.NoError(t, os.WriteFile(path+incompleteSuffix, oversized, filePerm))

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Equal(t, target.Size, written, "an oversized leftover must be thrown away and re-downloaded")
	assert.Equal(t, 1, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchKeepsVerifiedIncomplete(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")
	require.NoError(t, os.WriteFile(path+incompleteSuffix, payload, filePerm))

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Zero(t, written, "a complete, sound leftover needs no network traffic")
	assert.Zero(t, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	assert.NoFileExists(t, path+incompleteSuffix)
}

func TestFetchRestartsCorruptIncomplete(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")
	require.NoError(t, os.WriteFile(path+incompleteSuffix, corrupted(payload), filePerm))

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Equal(t, target.Size, written, "a complete but corrupt leftover must be re-downloaded")
	assert.Equal(t, 1, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchResumesPartialIncomplete(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	path := filepath.Join(dir, "product.zip")
	require.NoError(t, os.WriteFile(path+incompleteSuffix, payload[:7], filePerm))

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Equal(t, target.Size-7, written, "only the missing tail should come over the wire")
	assert.Equal(t, 1, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchStreamsInChunks(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)
	d.chunkSize = 4

	path := filepath.Join(dir, "product.zip")

	written, err := d.fetch(testContext(), target, path, &Options{})
	require.NoError(t, err)

	assert.Equal(t, target.Size, written)
	assert.Equal(t, 1, m.gets(target.URL))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchVerificationFailureDiscardsFile(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)
	m.corruptGets[target.URL] = 1

	path := filepath.Join(dir, "product.zip")

	written, err := d.fetch(testContext(), target, path, &Options{})

	var checksumErr *hub.InvalidChecksumError
	require.ErrorAs(t, err, &checksumErr)

	assert.Equal(t, target.Size, written, "the corrupt payload still travelled in full")
	assert.NoFileExists(t, path, "a corrupt download must never land under its final name")
	assert.NoFileExists(t, path+incompleteSuffix, "a corrupt download must not survive as a resume candidate")
}

func TestFetchSkipVerificationKeepsPayload(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)
	m.corruptGets[target.URL] = 1

	path := filepath.Join(dir, "product.zip")

	written, err := d.fetch(testContext(), target, path, &Options{SkipVerification: true})
	require.NoError(t, err)

	assert.Equal(t, target.Size, written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupted(payload), data, "with verification off the payload lands as served")
}

func TestFetchShortStreamKeepsIncomplete(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, _, target, dir := newTransferFixture(t, payload)
	target.Size = int64(len(payload)) + 9

	path := filepath.Join(dir, "product.zip")

	written, err := d.fetch(testContext(), target, path, &Options{})

	var serverErr *hub.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Contains(t, serverErr.APIMessage, "stream ended early")

	assert.Equal(t, int64(len(payload)), written)
	assert.NoFileExists(t, path)

	data, err := os.ReadFile(path + incompleteSuffix)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "a truncated stream must stay on disk for the next attempt to resume")
}

func TestFetchRejectsIgnoredRangeRequest(t *testing.T) {
	payload := []byte("fresh product archive payload")
	d, m, target, dir := newTransferFixture(t, payload)

	// A server that answers a Range request with the whole payload would
	// make the append corrupt the file.
	m.getFunc = func(ctx context.Context, url, byteRange string) (*http.Response, error) {
		resp := emptyResponse(http.StatusOK)
		resp.Body = io.NopCloser(bytes.NewReader(payload))
		resp.ContentLength = int64(len(payload))

		return resp, nil
	}

	path := filepath.Join(dir, "product.zip")
	require.NoError(t, os.WriteFile(path+incompleteSuffix, payload[:7], filePerm))

	_, err := d.fetch(testContext(), target, path, &Options{})

	var serverErr *hub.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Contains(t, serverErr.APIMessage, "range request was not honored")

	data, err := os.ReadFile(path + incompleteSuffix)
	require.NoError(t, err)
	assert.Equal(t, payload[:7], data, "a rejected response must not touch the file")
}
