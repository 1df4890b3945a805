// Package fetcher downloads document packets from registry portals and
// archive mirrors. Packets arrive over HTTP or FTP as ZIP archives holding
// extracts and filings, with an XLSX manifest describing the documents.
package fetcher

import (
	"context"
	"io"
)

// Fetcher is the transport-independent contract shared by the HTTP and FTP
// fetchers.
type Fetcher interface {
	// Download streams the packet at url. The caller closes the reader.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile writes the packet at url to path and reports the byte
	// count.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

var (
	_ Fetcher = (*HTTPFetcher)(nil)
	_ Fetcher = (*FTPFetcher)(nil)
)
