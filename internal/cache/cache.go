// Package cache implements the Artifact Cache: a content-addressed,
// shared-read, single-writer-per-key on-disk store of extracted package
// trees, keyed by (name, version).
package cache

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	core "github.com/theboyknowsclass/secure-package-manager/internal/core/service"
)

// Entry describes a resolved, on-disk cache hit or a freshly extracted tree.
type Entry struct {
	Path     string
	FileSize int64
	Checksum string
}

// Cache extracts and serves package trees rooted at Dir.
type Cache struct {
	Dir    string
	Client *http.Client
	// Retry governs retries of the upstream tarball download. New sets
	// defaultFetchRetry (three attempts with backoff, any error retried); a
	// zero value makes a single attempt.
	Retry core.RetryPolicy
}

// defaultFetchRetry tolerates a flaky upstream registry without the caller
// having to retry the whole DownloadCycle claim/work/commit round trip.
var defaultFetchRetry = core.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// New returns a Cache rooted at dir, creating it if necessary.
func New(dir string, client *http.Client) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{Dir: dir, Client: client, Retry: defaultFetchRetry}, nil
}

var sanitizer = regexp.MustCompile(`[^a-zA-Z0-9@._-]`)

// keyDir returns the sanitized per-(name,version) directory name.
func keyDir(name, version string) string {
	return sanitizer.ReplaceAllString(name, "_") + "@" + sanitizer.ReplaceAllString(version, "_")
}

// Lookup reports whether a tree for (name, version) already exists, and its
// recorded size if so. It never touches the network.
func (c *Cache) Lookup(name, version string) (Entry, bool) {
	dir := filepath.Join(c.Dir, keyDir(name, version))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Entry{}, false
	}
	size, err := treeSize(dir)
	if err != nil {
		return Entry{}, false
	}
	checksum, err := readChecksumMarker(dir)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Path: dir, FileSize: size, Checksum: checksum}, true
}

// ErrFetchFailed wraps a download or extraction failure for (name, version).
type ErrFetchFailed struct {
	Name, Version string
	Err           error
}

func (e *ErrFetchFailed) Error() string {
	return fmt.Sprintf("cache: fetch %s@%s: %v", e.Name, e.Version, e.Err)
}

func (e *ErrFetchFailed) Unwrap() error { return e.Err }

// Fetch downloads the tarball at url, extracts it into a fresh per-(name,
// version) directory, and records its checksum. If a tree for the key
// already exists it is returned unchanged (idempotent re-fetch).
func (c *Cache) Fetch(ctx context.Context, name, version, url string) (Entry, error) {
	if entry, ok := c.Lookup(name, version); ok {
		return entry, nil
	}

	var tarball []byte
	fetchErr := core.Retry(ctx, c.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		tarball = body
		return nil
	})
	if fetchErr != nil {
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: fetchErr}
	}
	sum := sha256.Sum256(tarball)
	checksum := hex.EncodeToString(sum[:])

	finalDir := filepath.Join(c.Dir, keyDir(name, version))
	stagingDir := finalDir + ".staging-" + checksum[:12]
	if err := os.RemoveAll(stagingDir); err != nil {
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: err}
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: err}
	}

	size, err := extractTarGz(stagingDir, tarball)
	if err != nil {
		os.RemoveAll(stagingDir)
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: err}
	}
	if err := writeChecksumMarker(stagingDir, checksum); err != nil {
		os.RemoveAll(stagingDir)
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: err}
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		// Another worker won the race onto the same key; the renamed-away
		// staging dir is cleaned up and the winner's tree is used.
		os.RemoveAll(stagingDir)
		if entry, ok := c.Lookup(name, version); ok {
			return entry, nil
		}
		return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: err}
	}

	if entry, ok := c.Lookup(name, version); ok {
		entry.FileSize = size
		return entry, nil
	}
	return Entry{}, &ErrFetchFailed{Name: name, Version: version, Err: errors.New("cache entry missing post-extract")}
}

const checksumMarkerFile = ".checksum"

func writeChecksumMarker(dir, checksum string) error {
	return os.WriteFile(filepath.Join(dir, checksumMarkerFile), []byte(checksum), 0o644)
}

func readChecksumMarker(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, checksumMarkerFile))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// extractTarGz extracts a gzip-compressed tarball into dir, rejecting any
// entry whose resolved path would escape dir (path traversal via "../" or an
// absolute path), and returns the sum of extracted regular-file sizes.
func extractTarGz(dir string, tarball []byte) (int64, error) {
	gz, err := gzip.NewReader(strings.NewReader(string(tarball)))
	if err != nil {
		return 0, fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return 0, fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return 0, err
			}
			n, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return 0, err
			}
			total += n
		default:
			// symlinks and other special entries are skipped; npm tarballs
			// do not rely on them.
		}
	}
	return total, nil
}

// UpstreamURL applies the URL construction rule: a manifest-provided URL
// already rooted at base is used verbatim, otherwise one is synthesized from
// the package's (possibly scoped) name and version.
func UpstreamURL(base, manifestURL, name, version string) string {
	base = strings.TrimRight(base, "/")
	if manifestURL != "" && strings.HasPrefix(manifestURL, base) {
		return manifestURL
	}
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s/%s/%s/-/%s-%s.tgz", base, parts[0], parts[1], parts[1], version)
		}
	}
	return fmt.Sprintf("%s/%s/-/%s-%s.tgz", base, name, name, version)
}

// DefaultTimeout is the Download Worker's default per-fetch bound.
const DefaultTimeout = 120 * time.Second
