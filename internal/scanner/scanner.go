// Package scanner defines the Scanner Adapter boundary: anything able to
// inspect a cached package tree and report normalized vulnerability counts.
package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Result is the Scanner Adapter's normalized wire format.
type Result struct {
	Critical   int
	High       int
	Medium     int
	Low        int
	Info       int
	RawResult  []byte
	DurationMS int64
	ToolVersion string
}

// Adapter scans the extracted package tree at dir and reports normalized
// vulnerability counts. Implementations own their own tool invocation and
// output parsing; the core only consumes the returned counts.
type Adapter interface {
	Scan(ctx context.Context, dir string) (Result, error)
}

// NullAdapter is a local stand-in that reports zero findings for any tree it
// can stat; it exists so the pipeline is runnable without a real scanning
// tool wired in, and as the scaffold a real adapter (e.g. an npm-audit or
// OSV-backed implementation) replaces.
type NullAdapter struct {
	ToolVersion string
}

func (n NullAdapter) Scan(ctx context.Context, dir string) (Result, error) {
	start := time.Now()
	if _, err := os.Stat(dir); err != nil {
		return Result{}, err
	}
	toolVersion := n.ToolVersion
	if toolVersion == "" {
		toolVersion = "null-adapter-0"
	}
	raw, _ := json.Marshal(map[string]any{
		"adapter": "null",
		"dir":     filepath.Base(dir),
	})
	return Result{
		RawResult:   raw,
		DurationMS:  time.Since(start).Milliseconds(),
		ToolVersion: toolVersion,
	}, nil
}
