package hub

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ManifestName is the package index file every product carries. It is
// downloaded first in node mode and lists the remaining package files.
const ManifestName = "manifest.safe"

// The manifest lists every payload file of the package as a dataObject
// with its size, location and digest.
type manifestDoc struct {
	DataObjects []manifestDataObject `xml:"dataObjectSection>dataObject"`
}

type manifestDataObject struct {
	ID         string             `xml:"ID,attr"`
	ByteStream manifestByteStream `xml:"byteStream"`
}

type manifestByteStream struct {
	Size         int64            `xml:"size,attr"`
	FileLocation manifestLocation `xml:"fileLocation"`
	Checksum     manifestChecksum `xml:"checksum"`
}

type manifestLocation struct {
	Href string `xml:"href,attr"`
}

type manifestChecksum struct {
	Name  string `xml:"checksumName,attr"`
	Value string `xml:",chardata"`
}

// ParseManifest reads a manifest document and returns the package nodes it
// describes. Node paths are package-relative, without the "./" marker the
// manifest uses.
func ParseManifest(r io.Reader, product *ProductInfo) ([]*NodeInfo, error) {
	var doc manifestDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing manifest for %s: %w", product.ID, err)
	}

	nodes := make([]*NodeInfo, 0, len(doc.DataObjects))

	for _, obj := range doc.DataObjects {
		href := obj.ByteStream.FileLocation.Href
		if href == "" {
			return nil, &ServerError{
				Operation:  "parse_manifest",
				APIMessage: fmt.Sprintf("data object %q has no file location", obj.ID),
			}
		}

		node := &NodeInfo{
			ProductID: product.ID,
			Path:      strings.TrimPrefix(href, "./"),
			Size:      obj.ByteStream.Size,
		}

		switch strings.ToLower(obj.ByteStream.Checksum.Name) {
		case ChecksumMD5:
			node.Checksum = Checksum{Algorithm: ChecksumMD5, Value: obj.ByteStream.Checksum.Value}
		case ChecksumSHA3:
			node.Checksum = Checksum{Algorithm: ChecksumSHA3, Value: obj.ByteStream.Checksum.Value}
		}

		nodes = append(nodes, node)
	}

	return nodes, nil
}
