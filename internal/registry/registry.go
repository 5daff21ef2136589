// Package registry is the Publisher's client for the downstream registry:
// it assembles the publish envelope and posts it with retry, circuit
// breaking and rate limiting shared across every publish call.
package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/theboyknowsclass/secure-package-manager/internal/ratelimit"
	"github.com/theboyknowsclass/secure-package-manager/internal/resilience"
)

// Dist is the distribution metadata block of the publish envelope.
type Dist struct {
	Shasum     string `json:"shasum"`
	TarballURL string `json:"tarball_url"`
}

// Metadata is the JSON object accompanying a publish envelope's tarball
// bytes, per the publish wire format.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	License string `json:"license,omitempty"`
	Dist    Dist   `json:"dist"`
}

// Publisher posts package envelopes to the downstream registry.
type Publisher struct {
	BaseURL string
	Token   string
	Client  *http.Client

	Breaker     *resilience.CircuitBreaker
	RetryConfig resilience.RetryConfig
	Limiter     *ratelimit.RateLimiter
}

// New builds a Publisher with the standard fault-tolerance trio: a circuit
// breaker guarding the downstream registry, bounded retry of failed posts
// (any error is retried), and a token-bucket limiter so a publish burst never exceeds the
// downstream's rate contract.
func New(baseURL, token string, client *http.Client, limiter *ratelimit.RateLimiter) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Publisher{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Token:       token,
		Client:      client,
		Breaker:     resilience.New(resilience.DefaultConfig()),
		RetryConfig: resilience.DefaultRetryConfig(),
		Limiter:     limiter,
	}
}

// ErrPublishFailed wraps any failure while assembling or posting a publish
// envelope for (name, version).
type ErrPublishFailed struct {
	Name, Version string
	Err           error
}

func (e *ErrPublishFailed) Error() string {
	return fmt.Sprintf("registry: publish %s@%s: %v", e.Name, e.Version, e.Err)
}

func (e *ErrPublishFailed) Unwrap() error { return e.Err }

// BuildEnvelope synthesizes a minimal tarball from cacheDir (the cached,
// extracted tree) plus a manifest naming name, version and license, and
// returns its bytes and SHA-256 shasum.
func BuildEnvelope(cacheDir, name, version, license string) (tarball []byte, shasum string, err error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifest, err := json.Marshal(map[string]string{
		"name":    name,
		"version": version,
		"license": license,
	})
	if err != nil {
		return nil, "", err
	}
	if err := writeTarFile(tw, "package/package.json", manifest); err != nil {
		return nil, "", err
	}

	if cacheDir != "" {
		err = filepath.Walk(cacheDir, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if info.IsDir() || filepath.Base(path) == ".checksum" {
				return nil
			}
			rel, err := filepath.Rel(cacheDir, path)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return writeTarFile(tw, filepath.ToSlash(filepath.Join("package", rel)), content)
		})
		if err != nil {
			return nil, "", err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

// Publish posts the envelope to the downstream registry's publish endpoint,
// honoring the rate limiter, circuit breaker and retry policy.
func (p *Publisher) Publish(ctx context.Context, name, version, license string, tarball []byte, shasum string) error {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return &ErrPublishFailed{Name: name, Version: version, Err: err}
		}
	}

	meta := Metadata{
		Name:    name,
		Version: version,
		License: license,
		Dist:    Dist{Shasum: shasum, TarballURL: fmt.Sprintf("%s/%s/-/%s-%s.tgz", p.BaseURL, name, name, version)},
	}

	err := p.Breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, p.RetryConfig, func() error {
			return p.postOnce(ctx, meta, tarball)
		})
	})
	if err != nil {
		return &ErrPublishFailed{Name: name, Version: version, Err: err}
	}
	return nil
}

func (p *Publisher) postOnce(ctx context.Context, meta Metadata, tarball []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("tarball", meta.Name+"-"+meta.Version+".tgz")
	if err != nil {
		return err
	}
	if _, err := part.Write(tarball); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/packages/%s/%s/publish", p.BaseURL, meta.Name, meta.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downstream registry returned %d", resp.StatusCode)
	}
	return nil
}
