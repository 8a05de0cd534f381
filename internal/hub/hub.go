package hub

import (
	"context"
	"net/http"
	"strings"
)

// Checksum algorithms the hub publishes for its products.
const (
	ChecksumMD5  = "md5"
	ChecksumSHA3 = "sha3-256"
)

// Checksum is a server-declared digest for a product or node payload.
type Checksum struct {
	Algorithm string
	Value     string
}

func (c Checksum) Empty() bool {
	return c.Algorithm == "" || c.Value == ""
}

// PackageSuffix is the directory extension of a multi-file product
// package on the hub.
const PackageSuffix = ".SAFE"

// ProductInfo is the resolved metadata record for one product. It is
// immutable once read from the hub, except the fields the downloader
// re-derives during a batch run: Online, Path, DownloadedBytes and Nodes.
type ProductInfo struct {
	ID       string
	Title    string
	Size     int64
	Checksum Checksum
	Online   bool
	URL      string

	// Filled in by the downloader.
	Path            string
	DownloadedBytes int64
	Nodes           []*NodeInfo
}

// PackageName is the name of the product's package directory, both on the
// hub's node tree and locally when individual files are downloaded.
func (p *ProductInfo) PackageName() string {
	return p.Title + PackageSuffix
}

// NodeInfo describes one named file within a multi-file product package.
type NodeInfo struct {
	ProductID string
	Path      string
	Size      int64
	Checksum  Checksum
	URL       string
}

// PathComponents splits the node path into the segments used to build its
// download URL. Leading "./" markers from the manifest are dropped.
func (n *NodeInfo) PathComponents() []string {
	p := strings.TrimPrefix(n.Path, "./")

	return strings.Split(p, "/")
}

// Client is the narrow surface of the data hub the download subsystem
// consumes. Implementations must already be authenticated.
type Client interface {
	// GetProductInfo fetches product metadata by id. It distinguishes
	// missing products, rejected credentials and hub-side failures through
	// the typed errors in this package.
	GetProductInfo(ctx context.Context, id string) (*ProductInfo, error)

	// IsOnline reports whether the product is resident in fast storage.
	IsOnline(ctx context.Context, id string) (bool, error)

	// ResolveFilename returns the local filename the hub advertises for the
	// product. Online products answer it on a HEAD of the download URL,
	// offline ones only through their metadata attributes.
	ResolveFilename(ctx context.Context, info *ProductInfo) (string, error)

	// Get performs an authenticated GET against an absolute hub URL. When
	// byteRange is not empty it is sent as a Range header. The caller owns
	// the response body and interprets the status code.
	Get(ctx context.Context, url string, byteRange string) (*http.Response, error)

	// ProductURL builds the download URL for a whole product archive.
	ProductURL(id string) string

	// NodeURL builds the download URL for a file inside a product package.
	NodeURL(id string, title string, pathComponents ...string) string
}
