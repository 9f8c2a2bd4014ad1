package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// downloadFile fetches url into path, creating parent directories.
func downloadFile(ctx context.Context, httpc *http.Client, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// extractZip unpacks every entry of the archive at zipPath into dest,
// overwriting existing files. Entries that would escape dest are rejected.
func extractZip(zipPath, dest string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", zipPath, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	for _, entry := range reader.File {
		if err := extractEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, dest string) error {
	name := entry.Name
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return fmt.Errorf("zip entry %q escapes extraction root", name)
	}

	target := filepath.Join(dest, filepath.FromSlash(name))
	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o750)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %q: %w", name, err)
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("extract %q: %w", name, err)
	}
	return nil
}
