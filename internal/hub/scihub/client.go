package scihub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const maxAttributeBody = 4 << 10

// Client talks to a Copernicus-style data hub over its OData API. All
// requests carry the account's bearer token.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

var _ hub.Client = (*Client)(nil)

func NewClient(baseURL, token string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// odataProduct is the hub's verbose-JSON product entity. ContentLength is an
// Edm.Int64, which this format serializes as a quoted string.
type odataProduct struct {
	ID            string      `json:"Id"`
	Name          string      `json:"Name"`
	ContentLength json.Number `json:"ContentLength"`
	Online        *bool       `json:"Online"`
	Checksum      struct {
		Algorithm string `json:"Algorithm"`
		Value     string `json:"Value"`
	} `json:"Checksum"`
	Metadata struct {
		MediaSrc string `json:"media_src"`
	} `json:"__metadata"`
}

// GetProductInfo fetches the product's catalog entry by id.
func (c *Client) GetProductInfo(ctx context.Context, id string) (*hub.ProductInfo, error) {
	logger := logctx.LoggerFromContext(ctx).With("product_id", id)

	url := fmt.Sprintf("%s/odata/v1/Products('%s')?$format=json", c.BaseURL, id)

	resp, err := c.Get(ctx, url, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := hub.ClassifyResponse("get_product_info", id, resp); err != nil {
		logger.ErrorContext(ctx, "product metadata request rejected", "status", resp.StatusCode, "err", err)

		return nil, err
	}

	var payload struct {
		D odataProduct `json:"d"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &hub.ServerError{Operation: "get_product_info", APIMessage: "malformed product metadata", Err: err}
	}

	product := payload.D
	if product.ID == "" {
		return nil, &hub.ServerError{Operation: "get_product_info", APIMessage: "product metadata carries no id"}
	}

	size, err := product.ContentLength.Int64()
	if err != nil {
		return nil, &hub.ServerError{Operation: "get_product_info", APIMessage: "malformed product content length", Err: err}
	}

	info := &hub.ProductInfo{
		ID:    product.ID,
		Title: product.Name,
		Size:  size,
		Checksum: hub.Checksum{
			Algorithm: strings.ToLower(product.Checksum.Algorithm),
			Value:     product.Checksum.Value,
		},
		// Hubs without an archive tier omit the flag entirely.
		Online: product.Online == nil || *product.Online,
		URL:    product.Metadata.MediaSrc,
	}

	if info.URL == "" {
		info.URL = c.ProductURL(info.ID)
	}

	logger.DebugContext(ctx, "fetched product metadata",
		"title", info.Title, "size", info.Size, "online", info.Online)

	return info, nil
}

// IsOnline reports whether the product is resident in fast storage. The hub
// answers with a bare "true" or "false" body; anything else is a failure.
func (c *Client) IsOnline(ctx context.Context, id string) (bool, error) {
	url := fmt.Sprintf("%s/odata/v1/Products('%s')/Online/$value", c.BaseURL, id)

	resp, err := c.Get(ctx, url, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := hub.ClassifyResponse("is_online", id, resp); err != nil {
		return false, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false, &hub.ServerError{Operation: "is_online", APIMessage: "online flag read failed", Err: err}
	}

	switch strings.TrimSpace(string(body)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, &hub.ServerError{
			Operation:  "is_online",
			StatusCode: resp.StatusCode,
			APIMessage: fmt.Sprintf("could not verify whether product %s is online", id),
		}
	}
}

// ResolveFilename returns the filename the hub advertises for the product.
// Online products answer it on a HEAD of their download URL; offline ones
// only expose it as a metadata attribute.
func (c *Client) ResolveFilename(ctx context.Context, info *hub.ProductInfo) (string, error) {
	if info.Online {
		return c.filenameFromHead(ctx, info)
	}

	return c.filenameFromAttribute(ctx, info)
}

func (c *Client) filenameFromHead(ctx context.Context, info *hub.ProductInfo) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("product_id", info.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, info.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build hub request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	if err := hub.ClassifyResponse("resolve_filename", info.ID, resp); err != nil {
		logger.ErrorContext(ctx, "filename lookup rejected", "status", resp.StatusCode, "err", err)

		return "", err
	}

	disposition := resp.Header.Get("Content-Disposition")

	_, value, found := strings.Cut(disposition, "=")
	if !found {
		return "", &hub.ServerError{Operation: "resolve_filename", APIMessage: "response carries no filename"}
	}

	return strings.Trim(strings.TrimSpace(value), `"`), nil
}

func (c *Client) filenameFromAttribute(ctx context.Context, info *hub.ProductInfo) (string, error) {
	url := fmt.Sprintf("%s/odata/v1/Products('%s')/Attributes('Filename')/$value", c.BaseURL, info.ID)

	resp, err := c.Get(ctx, url, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := hub.ClassifyResponse("resolve_filename", info.ID, resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttributeBody))
	if err != nil {
		return "", &hub.ServerError{Operation: "resolve_filename", APIMessage: "filename attribute read failed", Err: err}
	}

	name := strings.TrimSpace(string(body))
	if name == "" {
		return "", &hub.ServerError{Operation: "resolve_filename", APIMessage: "empty filename attribute"}
	}

	// The attribute names the package directory; the archive downloads as a
	// zip of it.
	return strings.NewReplacer(hub.PackageSuffix, ".zip", ".SEN3", ".zip").Replace(name), nil
}

// Get performs an authenticated GET against an absolute hub URL. The caller
// owns the response body and interprets the status code.
func (c *Client) Get(ctx context.Context, url string, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build hub request: %w", err)
	}

	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach hub: %w", err)
	}

	return resp, nil
}

// ProductURL builds the download URL for a whole product archive.
func (c *Client) ProductURL(id string) string {
	return fmt.Sprintf("%s/odata/v1/Products('%s')/$value", c.BaseURL, id)
}

// NodeURL builds the download URL for one file inside a product package.
func (c *Client) NodeURL(id, title string, pathComponents ...string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s/odata/v1/Products('%s')/Nodes('%s%s')", c.BaseURL, id, title, hub.PackageSuffix)

	for _, part := range pathComponents {
		fmt.Fprintf(&b, "/Nodes('%s')", part)
	}

	b.WriteString("/$value")

	return b.String()
}
