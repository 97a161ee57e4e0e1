// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/storage"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts a saved session to a document format.
type Exporter interface {
	// Export renders the session.
	Export(sess *storage.SavedSession) ([]byte, error)

	// FileExtension returns the extension including the dot (e.g. ".md").
	FileExtension() string

	// MimeType returns the Content-Type of the rendered document.
	MimeType() string
}

// ErrUnsupportedFormat is returned by ForFormat for unknown format names.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds a header with dates and message count.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message times.
	IncludeTimestamps bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// ForFormat returns the exporter for a format name. An empty name selects
// markdown.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "html", "htm":
		return NewHTMLExporter(opts), nil
	case "json":
		return NewJSONExporter(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Filename builds a download file name from the session name and the
// exporter's extension.
func Filename(sess *storage.SavedSession, e Exporter) string {
	name := "chat"
	if sess != nil {
		name = sess.Name
	}
	return "kot_" + sanitizeFilename(name) + e.FileExtension()
}

// validate rejects sessions that cannot be rendered as a document.
func validate(sess *storage.SavedSession) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	if len(sess.Messages) == 0 {
		return fmt.Errorf("session has no messages")
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in file names and
// caps the length at 50 runes.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "chat"
	}
	return string(result)
}

// roleLabel returns the display label of a message role.
func roleLabel(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "User"
	case model.RoleAssistant:
		return "Kot"
	case model.RoleSystem:
		return "System"
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// attachmentLine describes one attachment as "name (type, N KB)".
func attachmentLine(a model.Attachment) string {
	name := a.OriginalName
	if name == "" {
		name = a.Name
	}
	kb := (a.Size + 1023) / 1024
	return fmt.Sprintf("%s (%s, %d KB)", name, a.Type, kb)
}

// formatTimestamp formats a timestamp for headers.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
