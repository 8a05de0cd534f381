package hub

import (
	"context"
	"net/http"

	"github.com/italolelis/datahub_downloader/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry.
type InstrumentedClient struct {
	client    Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented hub client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// GetProductInfo fetches product metadata with telemetry.
func (c *InstrumentedClient) GetProductInfo(ctx context.Context, id string) (*ProductInfo, error) {
	var result *ProductInfo

	var err error

	instrumentedErr := c.telemetry.InstrumentHubOperation(ctx, "get_product_info", func(ctx context.Context) error {
		result, err = c.client.GetProductInfo(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// IsOnline checks product residency with telemetry.
func (c *InstrumentedClient) IsOnline(ctx context.Context, id string) (bool, error) {
	var result bool

	var err error

	instrumentedErr := c.telemetry.InstrumentHubOperation(ctx, "is_online", func(ctx context.Context) error {
		result, err = c.client.IsOnline(ctx, id)

		return err
	})

	if instrumentedErr != nil {
		return false, instrumentedErr
	}

	return result, nil
}

// ResolveFilename resolves the product filename with telemetry.
func (c *InstrumentedClient) ResolveFilename(ctx context.Context, info *ProductInfo) (string, error) {
	var result string

	var err error

	instrumentedErr := c.telemetry.InstrumentHubOperation(ctx, "resolve_filename", func(ctx context.Context) error {
		result, err = c.client.ResolveFilename(ctx, info)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// Get performs an authenticated GET with telemetry. Only the request
// itself is measured; the caller streams the body at its own pace.
func (c *InstrumentedClient) Get(ctx context.Context, url string, byteRange string) (*http.Response, error) {
	var result *http.Response

	var err error

	instrumentedErr := c.telemetry.InstrumentHubOperation(ctx, "get", func(ctx context.Context) error {
		result, err = c.client.Get(ctx, url, byteRange)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ProductURL builds the download URL for a whole product archive.
func (c *InstrumentedClient) ProductURL(id string) string {
	return c.client.ProductURL(id)
}

// NodeURL builds the download URL for a file inside a product package.
func (c *InstrumentedClient) NodeURL(id string, title string, pathComponents ...string) string {
	return c.client.NodeURL(id, title, pathComponents...)
}
