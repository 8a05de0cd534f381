package downloader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusRecorder captures the status transitions a batch reports, per
// product, in arrival order.
type statusRecorder struct {
	mu          sync.Mutex
	transitions map[string][]Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{transitions: make(map[string][]Status)}
}

func (r *statusRecorder) record(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions[id] = append(r.transitions[id], status)
}

func (r *statusRecorder) sequence(id string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Status(nil), r.transitions[id]...)
}

func assertFileContent(t *testing.T, path string, payload []byte) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "expected %s on disk", path)
	assert.Equal(t, payload, data)
}

func TestDownloadAllOnlineProducts(t *testing.T) {
	m := newMockHub()
	first := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("first product payload"), true)
	second := m.addProduct("prod-2", "S2B_MSIL1C", []byte("second product payload, a bit longer"), true)

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1", "prod-2"}, dir)
	require.NoError(t, err)

	assert.Empty(t, result.Errors)
	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t, StatusDownloaded, result.Statuses["prod-2"])

	assertFileContent(t, filepath.Join(dir, "S1A_IW_GRDH.zip"), []byte("first product payload"))
	assertFileContent(t, filepath.Join(dir, "S2B_MSIL1C.zip"), []byte("second product payload, a bit longer"))

	assert.Equal(t, filepath.Join(dir, "S1A_IW_GRDH.zip"), result.Products["prod-1"].Path)
	assert.Equal(t, first.Size, result.Products["prod-1"].DownloadedBytes)
	assert.Equal(t, second.Size, result.Products["prod-2"].DownloadedBytes)

	assert.Equal(t, 1, m.gets(first.URL))
	assert.Equal(t, 1, m.gets(second.URL))
}

func TestDownloadAllReportsStatusLifecycle(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("payload"), true)

	d := newTestDownloader(m, Options{})
	recorder := newStatusRecorder()

	_, err := d.DownloadAll(testContext(), []string{"prod-1"}, t.TempDir(),
		WithStatusHandler(recorder.record))
	require.NoError(t, err)

	assert.Equal(t,
		[]Status{StatusOnline, StatusDownloadStarted, StatusDownloaded},
		recorder.sequence("prod-1"))
}

func TestDownloadAllDedupesIDs(t *testing.T) {
	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("payload"), true)

	d := newTestDownloader(m, Options{})

	result, err := d.DownloadAll(testContext(), []string{"prod-1", "prod-1", "prod-1"}, t.TempDir())
	require.NoError(t, err)

	assert.Len(t, result.Statuses, 1)
	assert.Equal(t, 1, m.gets(info.URL), "a repeated id must download once")
}

func TestDownloadAllEmptyBatch(t *testing.T) {
	d := newTestDownloader(newMockHub(), Options{})

	result, err := d.DownloadAll(testContext(), nil, t.TempDir())
	require.NoError(t, err, "an empty batch is not a failure")

	assert.Empty(t, result.Statuses)
	assert.Empty(t, result.Errors)
}

func TestDownloadAllSkipsExistingFile(t *testing.T) {
	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("payload"), true)

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "S1A_IW_GRDH.zip"), []byte("payload"), filePerm))

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir)
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Zero(t, result.Products["prod-1"].DownloadedBytes)
	assert.Zero(t, m.gets(info.URL))
}

func TestDownloadAllOfflineProduct(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)
	m.onlineAfter["prod-1"] = 2

	d := newTestDownloader(m, Options{})
	recorder := newStatusRecorder()
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir,
		WithStatusHandler(recorder.record))
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t,
		[]Status{StatusOffline, StatusTriggered, StatusOnline, StatusDownloadStarted, StatusDownloaded},
		recorder.sequence("prod-1"))

	assert.Equal(t, 1, m.probes("prod-1"), "an accepted retrieval must not be re-triggered while polling")
	assert.True(t, result.Products["prod-1"].Online, "the batch result must reflect what the run learned")

	assertFileContent(t, filepath.Join(dir, "S1A_IW_GRDH.zip"), []byte("archived payload"))
}

func TestDownloadAllOfflineProductAlreadyOnDisk(t *testing.T) {
	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "S1A_IW_GRDH.zip")

	require.NoError(t, os.WriteFile(path, []byte("archived payload"), filePerm))

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir)
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t, path, result.Products["prod-1"].Path)

	assert.Zero(t, m.probes("prod-1"), "retrieval quota must not be spent on a product already on disk")
	assert.Zero(t, m.onlineChecks("prod-1"))
	assert.Zero(t, m.gets(info.URL))
}

func TestDownloadAllProbeDiscoversOnlineProduct(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)
	m.probeReplies["prod-1"] = []probeReply{{
		status: http.StatusForbidden,
		cause:  "Maximum number of 4 concurrent flows achieved by the user",
	}}

	d := newTestDownloader(m, Options{})
	recorder := newStatusRecorder()
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir,
		WithStatusHandler(recorder.record))
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t,
		[]Status{StatusOffline, StatusOnline, StatusDownloadStarted, StatusDownloaded},
		recorder.sequence("prod-1"), "a product found online skips the triggered stage")

	assert.Equal(t, 1, m.probes("prod-1"))
}

func TestDownloadAllRetriesBusyArchive(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)
	m.onlineAfter["prod-1"] = 2
	m.probeReplies["prod-1"] = []probeReply{{
		status: http.StatusServiceUnavailable,
		cause:  "The retrieval queue is full",
	}}

	d := newTestDownloader(m, Options{})

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t, 2, m.probes("prod-1"), "a rejected trigger must be attempted again")
}

func TestDownloadAllRetrievalQuotaExceeded(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)
	m.probeReplies["prod-1"] = []probeReply{{
		status: http.StatusForbidden,
		cause:  "User 'user' offline products retrieval quota exceeded (20 fetches max)",
	}}

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir)

	var ltaErr *hub.LTAError
	require.ErrorAs(t, err, &ltaErr)
	assert.True(t, ltaErr.Quota)

	require.ErrorAs(t, result.Errors["prod-1"], &ltaErr)

	assert.Equal(t, StatusOffline, result.Statuses["prod-1"])
	assert.False(t, result.Products["prod-1"].Online)
	assert.Equal(t, 1, m.probes("prod-1"), "quota exhaustion must not be retried")

	assert.NoFileExists(t, filepath.Join(dir, "S1A_IW_GRDH.zip"))
}

func TestDownloadAllRetrievalTimeout(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)

	d := newTestDownloader(m, Options{})

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, t.TempDir(),
		WithLTATimeout(25*time.Millisecond))

	var ltaErr *hub.LTAError
	require.ErrorAs(t, err, &ltaErr)
	assert.True(t, ltaErr.Timeout)

	assert.Equal(t, StatusTriggered, result.Statuses["prod-1"])
	assert.False(t, result.Products["prod-1"].Online)
}

func TestDownloadAllRetriesCorruptPayload(t *testing.T) {
	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("product payload"), true)
	m.corruptGets[info.URL] = 2

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir,
		WithMaxAttempts(3))
	require.NoError(t, err, "corrupt transfers within the attempt budget must not fail the product")

	assert.Empty(t, result.Errors, "a product that eventually downloaded carries no error")
	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Equal(t, 3, m.gets(info.URL))

	assertFileContent(t, filepath.Join(dir, "S1A_IW_GRDH.zip"), []byte("product payload"))
}

func TestDownloadAllGivesUpAfterMaxAttempts(t *testing.T) {
	m := newMockHub()
	info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("product payload"), true)
	m.corruptGets[info.URL] = 100

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir,
		WithMaxAttempts(3))

	var checksumErr *hub.InvalidChecksumError
	require.ErrorAs(t, err, &checksumErr)

	assert.Equal(t, 3, m.gets(info.URL))
	assert.Equal(t, StatusDownloadStarted, result.Statuses["prod-1"])

	assert.NoFileExists(t, filepath.Join(dir, "S1A_IW_GRDH.zip"))
	assert.NoFileExists(t, filepath.Join(dir, "S1A_IW_GRDH.zip"+incompleteSuffix))
}

func TestDownloadAllRejectedCredentialsAbortBatch(t *testing.T) {
	t.Run("during metadata lookup", func(t *testing.T) {
		m := newMockHub()
		m.addProduct("prod-online", "S1A_ONLINE", []byte("online payload"), true)
		m.addProduct("prod-offline", "S1A_OFFLINE", []byte("offline payload"), false)
		m.addProduct("prod-denied", "S1A_DENIED", []byte("denied payload"), true)
		m.infoErrs["prod-denied"] = &hub.UnauthorizedError{Operation: "get_product_info"}

		d := newTestDownloader(m, Options{})
		dir := t.TempDir()

		result, err := d.DownloadAll(testContext(),
			[]string{"prod-online", "prod-offline", "prod-denied"}, dir)

		var authErr *hub.UnauthorizedError
		require.ErrorAs(t, err, &authErr)

		assert.Equal(t, StatusOnline, result.Statuses["prod-online"])
		assert.Equal(t, StatusOffline, result.Statuses["prod-offline"])
		assert.Equal(t, StatusUnavailable, result.Statuses["prod-denied"])

		assert.NoFileExists(t, filepath.Join(dir, "S1A_ONLINE.zip"),
			"nothing may download once credentials are known bad")
		assert.Zero(t, m.probes("prod-offline"))
	})

	t.Run("during transfer", func(t *testing.T) {
		m := newMockHub()
		info := m.addProduct("prod-1", "S1A_IW_GRDH", []byte("payload"), true)
		m.statusQueue[info.URL] = []int{http.StatusUnauthorized}

		d := newTestDownloader(m, Options{})

		_, err := d.DownloadAll(testContext(), []string{"prod-1"}, t.TempDir())

		var authErr *hub.UnauthorizedError
		require.ErrorAs(t, err, &authErr)
		assert.Zero(t, m.gets(info.URL), "rejected credentials must not be retried")
	})
}

func TestDownloadAllIndependentFailures(t *testing.T) {
	m := newMockHub()
	bad := m.addProduct("prod-bad", "S1A_BAD", []byte("bad payload"), true)
	m.addProduct("prod-good", "S1A_GOOD", []byte("good payload"), true)
	m.statusQueue[bad.URL] = []int{http.StatusInternalServerError, http.StatusInternalServerError}

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-bad", "prod-good"}, dir,
		WithMaxAttempts(2))
	require.NoError(t, err, "one failed product must not fail a batch that downloaded another")

	var serverErr *hub.ServerError
	require.ErrorAs(t, result.Errors["prod-bad"], &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)

	assert.Equal(t, StatusDownloadStarted, result.Statuses["prod-bad"])
	assert.Equal(t, StatusDownloaded, result.Statuses["prod-good"])

	assertFileContent(t, filepath.Join(dir, "S1A_GOOD.zip"), []byte("good payload"))
}

func TestDownloadAllFailFast(t *testing.T) {
	m := newMockHub()
	bad := m.addProduct("prod-bad", "S1A_BAD", []byte("bad payload"), true)
	m.addProduct("prod-good", "S1A_GOOD", []byte("good payload"), false)
	m.statusQueue[bad.URL] = []int{http.StatusInternalServerError, http.StatusInternalServerError}

	// The sibling stays in its retrieval wait indefinitely; only the
	// fail-fast cancellation can end its worker.
	m.onlineAfter["prod-good"] = 1 << 30

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-bad", "prod-good"}, dir,
		WithMaxAttempts(2), WithFailFast(true))

	var serverErr *hub.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)

	assert.Equal(t, StatusDownloadStarted, result.Statuses["prod-bad"])

	assert.NotEqual(t, StatusDownloaded, result.Statuses["prod-good"],
		"fail-fast must cancel the in-flight sibling")
	assert.NoFileExists(t, filepath.Join(dir, "S1A_GOOD.zip"))
	assert.NoFileExists(t, filepath.Join(dir, "S1A_GOOD.zip"+incompleteSuffix))
}

func TestDownloadAllMetadataFailureSkipsProduct(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-bad", "S1A_BAD", []byte("bad payload"), true)
	m.addProduct("prod-good", "S1A_GOOD", []byte("good payload"), true)
	m.infoErrs["prod-bad"] = &hub.ServerError{
		Operation:  "get_product_info",
		StatusCode: http.StatusInternalServerError,
		APIMessage: "Unexpected exception",
	}

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-bad", "prod-good"}, dir)
	require.NoError(t, err)

	var serverErr *hub.ServerError
	require.ErrorAs(t, result.Errors["prod-bad"], &serverErr)

	assert.Equal(t, StatusUnavailable, result.Statuses["prod-bad"])
	assert.Equal(t, StatusDownloaded, result.Statuses["prod-good"])

	assertFileContent(t, filepath.Join(dir, "S1A_GOOD.zip"), []byte("good payload"))
}

func TestDownloadAllCancelledContext(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("payload"), true)

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	d := newTestDownloader(m, Options{})

	_, err := d.DownloadAll(ctx, []string{"prod-1"}, t.TempDir())
	require.ErrorIs(t, err, hub.ErrCancelled)
}

func TestDownloadSingleOfflineProduct(t *testing.T) {
	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("archived payload"), false)
	m.onlineAfter["prod-1"] = 1

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	info, err := d.Download(testContext(), "prod-1", dir)
	require.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, filepath.Join(dir, "S1A_IW_GRDH.zip"), info.Path)
	assert.True(t, info.Online)
	assert.Equal(t, 1, m.probes("prod-1"))

	assertFileContent(t, info.Path, []byte("archived payload"))
}

const nodeManifestTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<xfdu:XFDU xmlns:xfdu="urn:ccsds:schema:xfdu:1" version="esa/safe/sentinel-1.0">
  <dataObjectSection>
    <dataObject ID="quicklook">
      <byteStream mimeType="application/octet-stream" size="%d">
        <fileLocation locatorType="URL" href="./preview/quicklook.png"/>
        <checksum checksumName="MD5">%s</checksum>
      </byteStream>
    </dataObject>
    <dataObject ID="measurement">
      <byteStream mimeType="application/octet-stream" size="%d">
        <fileLocation locatorType="URL" href="./measurement/data.tiff"/>
        <checksum checksumName="MD5">%s</checksum>
      </byteStream>
    </dataObject>
  </dataObjectSection>
</xfdu:XFDU>`

func TestDownloadAllNodeMode(t *testing.T) {
	quicklook := []byte("tiny quicklook png")
	measurement := []byte("a much larger measurement raster payload")

	m := newMockHub()
	m.addProduct("prod-1", "S1A_IW_GRDH", []byte("whole archive"), true)

	manifest := []byte(fmt.Sprintf(nodeManifestTemplate,
		len(quicklook), md5Of(quicklook),
		len(measurement), md5Of(measurement)))

	manifestURL := m.NodeURL("prod-1", "S1A_IW_GRDH", hub.ManifestName)
	m.payloads[manifestURL] = manifest

	quicklookURL := m.addNodePayload("prod-1", "S1A_IW_GRDH", "preview/quicklook.png", quicklook)
	measurementURL := m.addNodePayload("prod-1", "S1A_IW_GRDH", "measurement/data.tiff", measurement)

	filter, err := hub.NewPathFilter("*.png", false)
	require.NoError(t, err)

	d := newTestDownloader(m, Options{})
	dir := t.TempDir()

	result, err := d.DownloadAll(testContext(), []string{"prod-1"}, dir, WithNodeFilter(filter))
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])

	packageDir := filepath.Join(dir, "S1A_IW_GRDH.SAFE")
	info := result.Products["prod-1"]
	assert.Equal(t, packageDir, info.Path)
	assert.Equal(t, int64(len(quicklook)), info.DownloadedBytes, "only selected nodes count")

	require.Len(t, info.Nodes, 2)
	assert.Equal(t, hub.ManifestName, info.Nodes[0].Path)
	assert.Equal(t, "preview/quicklook.png", info.Nodes[1].Path)
	assert.Equal(t, quicklookURL, info.Nodes[1].URL)

	assertFileContent(t, filepath.Join(packageDir, hub.ManifestName), manifest)
	assertFileContent(t, filepath.Join(packageDir, "preview", "quicklook.png"), quicklook)
	assert.NoFileExists(t, filepath.Join(packageDir, "measurement", "data.tiff"))
	assert.Zero(t, m.gets(measurementURL), "filtered-out nodes must not be fetched")

	// A second run finds the manifest and the selected nodes on disk and
	// fetches nothing.
	result, err = d.DownloadAll(testContext(), []string{"prod-1"}, dir, WithNodeFilter(filter))
	require.NoError(t, err)

	assert.Equal(t, StatusDownloaded, result.Statuses["prod-1"])
	assert.Zero(t, result.Products["prod-1"].DownloadedBytes)
	assert.Equal(t, 1, m.gets(manifestURL))
	assert.Equal(t, 1, m.gets(quicklookURL))
}

func TestResizeQuotas(t *testing.T) {
	d := newTestDownloader(newMockHub(), Options{TransferQuota: 4, TriggerQuota: 10})

	d.ResizeQuotas(8, 2)
	assert.Equal(t, int64(8), d.limiter.transfer.size)
	assert.Equal(t, int64(2), d.limiter.trigger.size)

	d.ResizeQuotas(0, 0)
	assert.Equal(t, int64(8), d.limiter.transfer.size, "a zero quota means leave the current one alone")
	assert.Equal(t, int64(2), d.limiter.trigger.size)
}
