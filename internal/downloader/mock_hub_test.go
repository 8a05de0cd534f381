package downloader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
)

// mockHub implements hub.Client against in-memory products and a scripted
// archive.
type mockHub struct {
	mu sync.Mutex

	products  map[string]*hub.ProductInfo
	online    map[string]bool
	filenames map[string]string
	payloads  map[string][]byte

	// onlineAfter makes IsOnline report false for that many more polls
	// before flipping the product online.
	onlineAfter map[string]int

	// probeReplies are consumed one per retrieval probe; once exhausted,
	// probes are accepted with 202.
	probeReplies map[string][]probeReply

	// corruptGets serves a corrupted payload for that many more gets of a
	// URL.
	corruptGets map[string]int

	// statusQueue forces response status codes per URL, consumed in
	// order. A queued 200 serves the payload normally.
	statusQueue map[string][]int

	infoErrs    map[string]error
	resolveErrs map[string]error

	infoCalls   map[string]int
	onlineCalls map[string]int
	probeCalls  map[string]int
	payloadGets map[string]int

	getProductInfoFunc func(ctx context.Context, id string) (*hub.ProductInfo, error)
	getFunc            func(ctx context.Context, url, byteRange string) (*http.Response, error)
}

type probeReply struct {
	status int
	cause  string
}

func newMockHub() *mockHub {
	return &mockHub{
		products:     make(map[string]*hub.ProductInfo),
		online:       make(map[string]bool),
		filenames:    make(map[string]string),
		payloads:     make(map[string][]byte),
		onlineAfter:  make(map[string]int),
		probeReplies: make(map[string][]probeReply),
		corruptGets:  make(map[string]int),
		statusQueue:  make(map[string][]int),
		infoErrs:     make(map[string]error),
		resolveErrs:  make(map[string]error),
		infoCalls:    make(map[string]int),
		onlineCalls:  make(map[string]int),
		probeCalls:   make(map[string]int),
		payloadGets:  make(map[string]int),
	}
}

func (m *mockHub) addProduct(id, title string, payload []byte, online bool) *hub.ProductInfo {
	info := &hub.ProductInfo{
		ID:       id,
		Title:    title,
		Size:     int64(len(payload)),
		Checksum: hub.Checksum{Algorithm: hub.ChecksumMD5, Value: md5Of(payload)},
		Online:   online,
		URL:      m.ProductURL(id),
	}

	m.products[id] = info
	m.online[id] = online
	m.payloads[info.URL] = payload
	m.filenames[id] = title + ".zip"

	return info
}

func (m *mockHub) addNodePayload(id, title, nodePath string, payload []byte) string {
	url := m.NodeURL(id, title, strings.Split(nodePath, "/")...)
	m.payloads[url] = payload

	return url
}

func (m *mockHub) GetProductInfo(ctx context.Context, id string) (*hub.ProductInfo, error) {
	if m.getProductInfoFunc != nil {
		return m.getProductInfoFunc(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.infoCalls[id]++

	if err := m.infoErrs[id]; err != nil {
		return nil, err
	}

	info, ok := m.products[id]
	if !ok {
		return nil, &hub.NotFoundError{ProductID: id}
	}

	out := *info
	out.Online = m.online[id]

	return &out, nil
}

func (m *mockHub) IsOnline(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onlineCalls[id]++

	if _, ok := m.products[id]; !ok {
		return false, &hub.NotFoundError{ProductID: id}
	}

	if remaining, ok := m.onlineAfter[id]; ok {
		if remaining > 0 {
			m.onlineAfter[id] = remaining - 1

			return false, nil
		}

		delete(m.onlineAfter, id)
		m.online[id] = true
	}

	return m.online[id], nil
}

func (m *mockHub) ResolveFilename(ctx context.Context, info *hub.ProductInfo) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resolveErrs[info.ID]; err != nil {
		return "", err
	}

	return m.filenames[info.ID], nil
}

func (m *mockHub) ProductURL(id string) string {
	return "https://hub.test/odata/v1/Products('" + id + "')/$value"
}

func (m *mockHub) NodeURL(id, title string, pathComponents ...string) string {
	url := "https://hub.test/odata/v1/Products('" + id + "')/Nodes('" + title + hub.PackageSuffix + "')"
	for _, part := range pathComponents {
		url += "/Nodes('" + part + "')"
	}

	return url + "/$value"
}

func (m *mockHub) Get(ctx context.Context, url, byteRange string) (*http.Response, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, url, byteRange)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if queue := m.statusQueue[url]; len(queue) > 0 {
		status := queue[0]
		m.statusQueue[url] = queue[1:]

		if status != http.StatusOK {
			return emptyResponse(status), nil
		}
	}

	// A product-archive get while the product is offline answers the
	// retrieval protocol instead of streaming.
	if id, ok := m.productIDForURL(url); ok && !m.online[id] {
		m.probeCalls[id]++

		reply := probeReply{status: http.StatusAccepted}
		if queue := m.probeReplies[id]; len(queue) > 0 {
			reply = queue[0]
			m.probeReplies[id] = queue[1:]
		}

		// A success or a busy-lanes rejection means the product was in
		// fast storage all along; later gets must stream.
		if reply.status == http.StatusOK || reply.status == http.StatusPartialContent ||
			(reply.status == http.StatusForbidden && strings.Contains(reply.cause, "concurrent flows")) {
			m.online[id] = true
		}

		resp := emptyResponse(reply.status)
		if reply.cause != "" {
			resp.Header.Set(hub.CauseHeader, reply.cause)
		}

		return resp, nil
	}

	payload, ok := m.payloads[url]
	if !ok {
		return emptyResponse(http.StatusNotFound), nil
	}

	m.payloadGets[url]++

	if n := m.corruptGets[url]; n > 0 {
		m.corruptGets[url] = n - 1

		payload = corrupted(payload)
	}

	return rangeResponse(payload, byteRange), nil
}

func (m *mockHub) productIDForURL(url string) (string, bool) {
	for id, info := range m.products {
		if info.URL == url {
			return id, true
		}
	}

	return "", false
}

func (m *mockHub) gets(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.payloadGets[url]
}

func (m *mockHub) probes(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.probeCalls[id]
}

func (m *mockHub) onlineChecks(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.onlineCalls[id]
}

func md5Of(data []byte) string {
	sum := md5.Sum(data)

	return hex.EncodeToString(sum[:])
}

func corrupted(data []byte) []byte {
	out := append([]byte(nil), data...)
	if len(out) > 0 {
		out[0] ^= 0xff
	}

	return out
}

func emptyResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func rangeResponse(data []byte, byteRange string) *http.Response {
	if byteRange == "" {
		resp := emptyResponse(http.StatusOK)
		resp.Body = io.NopCloser(bytes.NewReader(data))
		resp.ContentLength = int64(len(data))

		return resp
	}

	var from int64
	if _, err := fmt.Sscanf(byteRange, "bytes=%d-", &from); err != nil || from < 0 || from > int64(len(data)) {
		return emptyResponse(http.StatusRequestedRangeNotSatisfiable)
	}

	resp := emptyResponse(http.StatusPartialContent)
	resp.Body = io.NopCloser(bytes.NewReader(data[from:]))
	resp.ContentLength = int64(len(data) - int(from))

	return resp
}

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return logctx.WithLogger(context.Background(), logger)
}

// newTestDownloader builds a Downloader with millisecond retry cadence so
// tests never sleep for real.
func newTestDownloader(m *mockHub, opts Options) *Downloader {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}

	if opts.LTARetryDelay == 0 {
		opts.LTARetryDelay = time.Millisecond
	}

	return New(m, opts)
}
