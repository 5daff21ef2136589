// Package parser implements the Manifest Parser: it explodes an npm-style
// lockfile JSON blob into Package/RequestPackage rows.
package parser

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrManifestRejected is returned when the manifest blob fails validation
// before any package extraction is attempted.
type ErrManifestRejected struct {
	Reason string
}

func (e *ErrManifestRejected) Error() string {
	return fmt.Sprintf("manifest rejected: %s", e.Reason)
}

// Entry is one resolved package extracted from a lockfile's packages map.
type Entry struct {
	Name              string
	Version           string
	URL               string
	Integrity         string
	LicenceIdentifier string
}

// Key returns the manifest-scoped dedup key (name@version).
func (e Entry) Key() string {
	return e.Name + "@" + e.Version
}

const minLockfileVersion = 3

// Parse validates the lockfileVersion and extracts the deduplicated set of
// package entries from a raw manifest blob.
func Parse(raw []byte) ([]Entry, error) {
	root := gjson.ParseBytes(raw)
	if !root.Exists() {
		return nil, &ErrManifestRejected{Reason: "not a JSON object"}
	}

	version := root.Get("lockfileVersion")
	if !version.Exists() || version.Type != gjson.Number || version.Int() < minLockfileVersion {
		return nil, &ErrManifestRejected{Reason: "lockfileVersion must be an integer >= 3"}
	}

	packages := root.Get("packages")
	if !packages.Exists() || !packages.IsObject() {
		return nil, &ErrManifestRejected{Reason: "missing packages map"}
	}

	seen := make(map[string]struct{})
	var entries []Entry

	packages.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if path == "" {
			return true // root entry, skipped
		}

		name := resolveName(path, value)
		versionStr := value.Get("version").String()
		if name == "" || versionStr == "" {
			return true // unresolvable entry, skipped
		}

		dedupKey := name + "@" + versionStr
		if _, ok := seen[dedupKey]; ok {
			return true
		}
		seen[dedupKey] = struct{}{}

		entries = append(entries, Entry{
			Name:              name,
			Version:           versionStr,
			URL:               value.Get("resolved").String(),
			Integrity:         value.Get("integrity").String(),
			LicenceIdentifier: value.Get("license").String(),
		})
		return true
	})

	return entries, nil
}

// resolveName prefers an explicit "name" field, else infers the package name
// from the node_modules path, handling scoped packages and nested
// node_modules trees.
func resolveName(path string, value gjson.Result) string {
	if explicit := value.Get("name").String(); explicit != "" {
		return explicit
	}

	const marker = "node_modules/"
	idx := strings.LastIndex(path, marker)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(marker):]
	if rest == "" {
		return ""
	}

	segments := strings.Split(rest, "/")
	if strings.HasPrefix(segments[0], "@") {
		if len(segments) < 2 {
			return ""
		}
		return segments[0] + "/" + segments[1]
	}
	return segments[0]
}
