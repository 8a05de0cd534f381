package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/italolelis/datahub_downloader/internal/hub"
	"github.com/italolelis/datahub_downloader/internal/logctx"
)

// downloadNodes fetches the package files selected by the node filter
// into a local package directory named after the product. The manifest
// always comes first: it is the node inventory and the source of per-file
// sizes and checksums.
func (d *Downloader) downloadNodes(ctx context.Context, id, directory string, opts *Options) (*hub.ProductInfo, error) {
	info, err := d.getProductInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	productDir := filepath.Join(directory, info.PackageName())
	info.Path = productDir

	manifestNode, nodes, err := d.loadManifest(ctx, info, filepath.Join(productDir, hub.ManifestName))
	if err != nil {
		return nil, err
	}

	selected := []*hub.NodeInfo{manifestNode}

	var written int64

	for _, node := range nodes {
		if !opts.NodeFilter.Matches(node) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, asCancelled(err)
		}

		node.URL = d.hub.NodeURL(id, info.Title, node.PathComponents()...)
		selected = append(selected, node)

		n, err := d.fetch(ctx, transferTarget{
			ProductID: id,
			Label:     node.Path,
			URL:       node.URL,
			Size:      node.Size,
			Checksum:  node.Checksum,
		}, filepath.Join(productDir, filepath.FromSlash(node.Path)), opts)

		written += n

		if err != nil {
			return nil, err
		}
	}

	info.Nodes = selected
	info.DownloadedBytes = written

	return info, nil
}

// loadManifest returns the package's node inventory, downloading and
// caching the manifest file on first use.
func (d *Downloader) loadManifest(ctx context.Context, info *hub.ProductInfo, manifestPath string) (*hub.NodeInfo, []*hub.NodeInfo, error) {
	logger := logctx.LoggerFromContext(ctx)

	manifestNode := &hub.NodeInfo{
		ProductID: info.ID,
		Path:      hub.ManifestName,
		URL:       d.hub.NodeURL(info.ID, info.Title, hub.ManifestName),
	}

	if fi, err := os.Stat(manifestPath); err == nil {
		logger.Info("manifest already available, skipping download", "path", manifestPath)

		manifestNode.Size = fi.Size()
	} else {
		size, err := d.fetchManifest(ctx, manifestNode.URL, manifestPath, info.ID)
		if err != nil {
			return nil, nil, err
		}

		manifestNode.Size = size
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	nodes, err := hub.ParseManifest(f, info)
	if err != nil {
		return nil, nil, err
	}

	return manifestNode, nodes, nil
}

// fetchManifest downloads the manifest in one piece; manifests are a few
// hundred KiB at most. The hub declares no checksum for them, so only the
// length is validated.
func (d *Downloader) fetchManifest(ctx context.Context, url, manifestPath, productID string) (int64, error) {
	release, err := d.limiter.AcquireTransfer(ctx)
	if err != nil {
		return 0, asCancelled(err)
	}
	defer release()

	resp, err := d.hub.Get(ctx, url, "")
	if err != nil {
		return 0, asCancelled(err)
	}
	defer resp.Body.Close()

	if err := hub.ClassifyResponse("get_manifest", productID, resp); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &hub.ServerError{Operation: "get_manifest", APIMessage: "manifest read failed", Err: err}
	}

	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return 0, &hub.ServerError{Operation: "get_manifest", APIMessage: "manifest corrupt: data length does not match"}
	}

	if err := os.MkdirAll(filepath.Dir(manifestPath), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create package directory: %w", err)
	}

	if err := os.WriteFile(manifestPath, data, filePerm); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}

	return int64(len(data)), nil
}
