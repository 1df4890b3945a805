package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// UnpackPacket expands a downloaded document packet into destDir, recreating
// the archive's directory layout. The returned paths cover files only.
func UnpackPacket(packetPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(packetPath)
	if err != nil {
		return nil, eris.Wrap(err, "packet: open archive")
	}
	defer r.Close() //nolint:errcheck

	var files []string
	for _, entry := range r.File {
		path, err := unpackEntry(entry, destDir)
		if err != nil {
			return files, err
		}
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// unpackEntry writes one archive entry under destDir, refusing entry names
// that would escape it.
func unpackEntry(entry *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, entry.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("packet: illegal entry path %q", entry.Name)
	}

	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "packet: create directory")
		}
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "packet: create parent directory")
	}

	rc, err := entry.Open()
	if err != nil {
		return "", eris.Wrap(err, "packet: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "packet: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "packet: write file")
	}
	return destPath, nil
}
