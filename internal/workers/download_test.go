package workers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/theboyknowsclass/secure-package-manager/internal/cache"
	"github.com/theboyknowsclass/secure-package-manager/internal/domain/pkgmgr"
	"github.com/theboyknowsclass/secure-package-manager/internal/store/memory"
)

func tarballFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("module.exports = {}")
	tw.WriteHeader(&tar.Header{Name: "package/index.js", Mode: 0o644, Size: int64(len(content))})
	tw.Write(content)
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestDownloadCycle_FetchesAndAdvancesToDownloaded(t *testing.T) {
	tarball := tarballFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer srv.Close()

	s := memory.New()
	ctx := context.Background()
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21"})
	s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)

	c, _ := cache.New(t.TempDir(), srv.Client())
	cycle := &DownloadCycle{Store: s, Cache: c, UpstreamURL: srv.URL, BatchSize: 10}
	if err := cycle.RunCycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.GetPackageStatus(ctx, pkg.ID)
	if ps.Status != pkgmgr.StatusDownloaded {
		t.Fatalf("expected downloaded, got %s", ps.Status)
	}
	if ps.CachePath == "" || ps.FileSize == 0 {
		t.Fatalf("expected cache path and size to be recorded, got %+v", ps)
	}
}

func TestDownloadCycle_FailsOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memory.New()
	ctx := context.Background()
	pkg, _ := s.CreatePackageWithStatus(ctx, pkgmgr.Package{Name: "lodash", Version: "4.17.21"})
	s.CommitTransition(ctx, pkg.ID, pkgmgr.StatusCheckingLicence, pkgmgr.StatusLicenceChecked, nil)

	c, _ := cache.New(t.TempDir(), srv.Client())
	cycle := &DownloadCycle{Store: s, Cache: c, UpstreamURL: srv.URL, BatchSize: 10}
	if err := cycle.RunCycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, _ := s.GetPackageStatus(ctx, pkg.ID)
	if ps.Status != pkgmgr.StatusDownloadFailed {
		t.Fatalf("expected download_failed, got %s", ps.Status)
	}
}
