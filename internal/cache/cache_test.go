package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestFetch_ExtractsAndRecordsSize(t *testing.T) {
	tarball := buildTarball(t, map[string]string{
		"package/index.js":   "module.exports = {}",
		"package/package.json": `{"name":"lodash","version":"4.17.21"}`,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), srv.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := c.Fetch(context.Background(), "lodash", "4.17.21", srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.FileSize == 0 {
		t.Fatal("expected non-zero extracted size")
	}
	if entry.Checksum == "" {
		t.Fatal("expected a checksum to be recorded")
	}
	if _, err := os.Stat(filepath.Join(entry.Path, "package", "index.js")); err != nil {
		t.Fatalf("expected extracted file to exist: %v", err)
	}
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	calls := 0
	tarball := buildTarball(t, map[string]string{"package/index.js": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(tarball)
	}))
	defer srv.Close()

	c, _ := New(t.TempDir(), srv.Client())
	ctx := context.Background()
	if _, err := c.Fetch(ctx, "left-pad", "1.0.0", srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Fetch(ctx, "left-pad", "1.0.0", srv.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the second fetch to hit cache, got %d network calls", calls)
	}
}

func TestFetch_RejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "../../evil.txt", Mode: 0o644, Size: 4})
	tw.Write([]byte("evil"))
	tw.Close()
	gz.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c, _ := New(t.TempDir(), srv.Client())
	_, err := c.Fetch(context.Background(), "evil-pkg", "1.0.0", srv.URL)
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestFetch_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := New(t.TempDir(), srv.Client())
	if _, err := c.Fetch(context.Background(), "missing", "1.0.0", srv.URL); err == nil {
		t.Fatal("expected a 404 upstream response to fail the fetch")
	}
}

func TestUpstreamURL_UnscopedPackage(t *testing.T) {
	got := UpstreamURL("https://registry.example.com", "", "lodash", "4.17.21")
	want := "https://registry.example.com/lodash/-/lodash-4.17.21.tgz"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestUpstreamURL_ScopedPackage(t *testing.T) {
	got := UpstreamURL("https://registry.example.com", "", "@types/node", "18.0.0")
	want := "https://registry.example.com/@types/node/-/node-18.0.0.tgz"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestUpstreamURL_PrefersManifestURLWhenAlreadyUpstream(t *testing.T) {
	manifestURL := "https://registry.example.com/lodash/-/lodash-4.17.21.tgz"
	got := UpstreamURL("https://registry.example.com", manifestURL, "lodash", "4.17.21")
	if got != manifestURL {
		t.Fatalf("expected manifest URL used verbatim, got %s", got)
	}
}
