package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// hashRe captures the digest prefix published in a file name such as
// "pretrained-5f1a3c.pth".
var hashRe = regexp.MustCompile(`-([a-f0-9]*)\.`)

func isRemote(loc string) bool {
	return strings.HasPrefix(loc, "https://") || strings.HasPrefix(loc, "http://")
}

// fetch downloads rawURL into the cache directory and returns the local path.
// A file already in the cache is reused as is.
func (m *Manager) fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &NotFoundError{Path: rawURL, Err: err}
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "", &NotFoundError{Path: rawURL, Err: fmt.Errorf("url has no file name")}
	}
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint cache: %w", err)
	}
	dst := filepath.Join(m.cacheDir, name)
	if _, err := os.Stat(dst); err == nil {
		m.logger.Debug("checkpoint cache hit", "url", rawURL, "path", dst)
		return dst, nil
	}

	m.logger.Info("downloading checkpoint", "url", rawURL, "path", dst)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &NotFoundError{Path: rawURL, Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", &NotFoundError{Path: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &NotFoundError{Path: rawURL, Err: fmt.Errorf("download failed: %s", resp.Status)}
	}

	tmp, err := os.CreateTemp(m.cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return "", &CorruptError{Path: rawURL, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close download file: %w", err)
	}

	if mm := hashRe.FindStringSubmatch(name); mm != nil {
		digest := hex.EncodeToString(h.Sum(nil))
		if !strings.HasPrefix(digest, mm[1]) {
			return "", &CorruptError{Path: rawURL, Err: fmt.Errorf("invalid hash value (expected %q, got %q)", mm[1], digest)}
		}
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("move download into cache: %w", err)
	}
	return dst, nil
}
