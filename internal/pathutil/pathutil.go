// Package pathutil holds the small URL-path string utilities the core
// treats as an external collaborator (spec.md §1), grounded on
// original_source/shared/gemcaps/pathutils.hpp's delUps/join/isSubpath.
package pathutil

import (
	"path"
	"path/filepath"
	"strings"
)

// Normalize removes "." and ".." segments and redundant separators from a
// URL path, preserving a trailing slash if the input had one. An empty
// input is returned unchanged (no path was present in the request).
//
// This is "del_ups" in the original implementation.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	trailingSlash := len(p) > 1 && strings.HasSuffix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if trailingSlash && cleaned != "/" && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

// Join joins root with an already-normalized URL path, using OS path
// separators, the way the original implementation's path::join does for
// turning a request path into a filesystem candidate.
func Join(root, urlPath string) string {
	return filepath.Join(root, filepath.FromSlash(urlPath))
}

// IsSubpath reports whether candidate is root or a descendant of root,
// after both are cleaned (neither is made absolute). It is the last line of sandbox
// defense: the realpath of a candidate file must be a subpath of the
// handler's root.
func IsSubpath(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}

// StripPrefix removes the base prefix from a URL path, the way the file
// handler removes its configured "base" before joining against root. It
// reports the remainder unchanged if p does not have the prefix.
func StripPrefix(p, base string) string {
	if base == "" || base == "/" {
		return p
	}
	base = strings.TrimSuffix(base, "/")
	if p == base {
		return "/"
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base):]
	}
	return p
}
