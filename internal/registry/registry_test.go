package registry

import (
	"context"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildEnvelope_IncludesManifestAndCachedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	tarball, shasum, err := BuildEnvelope(dir, "lodash", "4.17.21", "MIT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tarball) == 0 {
		t.Fatal("expected non-empty tarball")
	}
	if shasum == "" {
		t.Fatal("expected a shasum")
	}
}

func TestPublish_PostsMultipartEnvelope(t *testing.T) {
	var gotName, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("expected multipart/form-data, got %s", r.Header.Get("Content-Type"))
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "metadata" {
				var meta Metadata
				json.NewDecoder(part).Decode(&meta)
				gotName, gotVersion = meta.Name, meta.Version
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.URL, "test-token", srv.Client(), nil)
	err := p.Publish(context.Background(), "lodash", "4.17.21", "MIT", []byte("tarball-bytes"), "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotName != "lodash" || gotVersion != "4.17.21" {
		t.Fatalf("expected metadata to carry name/version, got %s/%s", gotName, gotVersion)
	}
}

func TestPublish_NonOKStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL, "", srv.Client(), nil)
	p.RetryConfig.MaxAttempts = 1
	err := p.Publish(context.Background(), "lodash", "4.17.21", "MIT", []byte("x"), "sum")
	if err == nil {
		t.Fatal("expected publish failure on a 500 response")
	}
	var pubErr *ErrPublishFailed
	if !asErrPublishFailed(err, &pubErr) {
		t.Fatalf("expected ErrPublishFailed, got %T: %v", err, err)
	}
}

func asErrPublishFailed(err error, target **ErrPublishFailed) bool {
	if e, ok := err.(*ErrPublishFailed); ok {
		*target = e
		return true
	}
	return false
}
