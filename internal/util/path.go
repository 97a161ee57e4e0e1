// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrPathEscapes is returned when a client-supplied path resolves outside its root.
var ErrPathEscapes = errors.New("path escapes root directory")

// HasTraversal reports whether p contains a parent-directory segment
// under either slash convention.
func HasTraversal(p string) bool {
	normalized := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// SafeJoin joins a client-supplied relative path under root.
// Paths with traversal segments, or that otherwise resolve outside root,
// return ErrPathEscapes. A leading slash is treated as relative to root.
func SafeJoin(root, p string) (string, error) {
	if HasTraversal(p) {
		return "", ErrPathEscapes
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	rel := strings.TrimLeft(filepath.FromSlash(strings.ReplaceAll(p, "\\", "/")), string(filepath.Separator))
	full := filepath.Join(absRoot, rel)

	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", ErrPathEscapes
	}
	return full, nil
}

// Within reports whether path lies inside root after cleaning both.
func Within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator))
}
