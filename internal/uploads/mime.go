// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package uploads

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// TextExtensions are the extensions served by the file-content endpoint and
// inlined when extracted from archives.
var TextExtensions = map[string]bool{
	".txt": true, ".js": true, ".py": true, ".html": true, ".css": true,
	".json": true, ".xml": true, ".md": true, ".java": true, ".c": true,
	".cpp": true, ".cs": true,
}

// entryTypes maps archive entry extensions to MIME types.
// Anything not listed is treated as text/plain.
var entryTypes = map[string]string{
	".js":   "application/javascript",
	".py":   "text/x-python",
	".html": "text/html",
	".css":  "text/css",
	".json": "application/json",
	".xml":  "application/xml",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c",
	".cs":   "text/x-csharp",
}

// IsTextFile reports whether name has a text extension.
func IsTextFile(name string) bool {
	return TextExtensions[strings.ToLower(filepath.Ext(name))]
}

// EntryType returns the MIME type for an archive entry.
func EntryType(name string) string {
	if t, ok := entryTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "text/plain"
}

// normalizeMIME strips parameters and lowercases a Content-Type value.
func normalizeMIME(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

// Kind is the coarse file category used in display labels.
func Kind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "Image"
	case mimeType == "application/zip":
		return "Archive"
	case strings.Contains(mimeType, "javascript"), strings.Contains(mimeType, "text"):
		return "Code"
	}
	return "File"
}

// DisplayName builds the "<Kind> (<n> KB)" label shown for an upload.
func DisplayName(mimeType string, size int64) string {
	return fmt.Sprintf("%s (%d KB)", Kind(mimeType), (size+512)/1024)
}
