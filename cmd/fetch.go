package main

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/fetcher"
)

var (
	fetchURL    string
	fetchDest   string
	fetchUnpack bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download a document packet over HTTP or FTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("fetch"); err != nil {
			return err
		}

		u, err := url.Parse(fetchURL)
		if err != nil {
			return eris.Wrapf(err, "parse url %s", fetchURL)
		}
		name := path.Base(u.Path)
		if name == "" || name == "/" || name == "." {
			name = "packet.zip"
		}

		if err := os.MkdirAll(fetchDest, 0o755); err != nil {
			return eris.Wrap(err, "create dest dir")
		}
		dest := filepath.Join(fetchDest, name)

		timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second

		var written int64
		switch u.Scheme {
		case "ftp":
			f := fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout})
			written, err = f.DownloadToFile(ctx, fetchURL, dest)
		case "http", "https":
			f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				Timeout:   timeout,
				UserAgent: cfg.Fetch.UserAgent,
			})
			written, err = f.DownloadToFile(ctx, fetchURL, dest)
		default:
			return eris.Errorf("unsupported url scheme: %s", u.Scheme)
		}
		if err != nil {
			return eris.Wrap(err, "download packet")
		}

		zap.L().Info("packet downloaded",
			zap.String("url", fetchURL),
			zap.String("dest", dest),
			zap.Int64("bytes", written),
		)

		if fetchUnpack || strings.HasSuffix(strings.ToLower(name), ".zip") {
			files, err := fetcher.UnpackPacket(dest, fetchDest)
			if err != nil {
				return eris.Wrap(err, "extract packet")
			}
			zap.L().Info("packet extracted",
				zap.Int("files", len(files)),
				zap.String("dir", fetchDest),
			)
		}

		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchURL, "url", "", "packet URL, http(s) or ftp (required)")
	fetchCmd.Flags().StringVar(&fetchDest, "dest", ".", "destination directory")
	fetchCmd.Flags().BoolVar(&fetchUnpack, "unpack", false, "extract the packet after download")
	_ = fetchCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(fetchCmd)
}
