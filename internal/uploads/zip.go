// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package uploads

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jeranaias/kot-relay/internal/model"
	"github.com/jeranaias/kot-relay/internal/util"
)

// Archive expansion limits.
const (
	// MaxExtractedBytes caps the total uncompressed size of one archive.
	MaxExtractedBytes = 100 * 1024 * 1024

	// MaxInlineContent caps how much of a text entry is embedded as content.
	MaxInlineContent = 256 * 1024
)

// ExtractZip expands the archive at zipPath into destDir and returns one
// descriptor per file entry. Entries that would escape destDir are skipped.
// urlPrefix is the served location of destDir.
func ExtractZip(zipPath, destDir, urlPrefix string) ([]model.Attachment, error) {
	// Insecure names still yield a usable reader; they are filtered per entry
	r, err := zip.OpenReader(zipPath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	var (
		entries []model.Attachment
		total   int64
	)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		target, err := util.SafeJoin(destDir, f.Name)
		if err != nil || filepath.IsAbs(filepath.FromSlash(f.Name)) {
			log.Printf("ZIP_ENTRY_SKIPPED | archive=%s entry=%q reason=unsafe_path", filepath.Base(zipPath), f.Name)
			continue
		}

		remaining := int64(MaxExtractedBytes) - total
		if remaining <= 0 {
			log.Printf("ZIP_LIMIT_REACHED | archive=%s limit=%d", filepath.Base(zipPath), MaxExtractedBytes)
			break
		}

		written, content, err := extractEntry(f, target, remaining)
		if err != nil {
			log.Printf("ZIP_ENTRY_FAILED | archive=%s entry=%q error=%v", filepath.Base(zipPath), f.Name, err)
			continue
		}
		total += written

		entryName := strings.ReplaceAll(f.Name, "\\", "/")
		entries = append(entries, model.Attachment{
			Name:    path.Base(entryName),
			Path:    target,
			Type:    EntryType(entryName),
			Size:    written,
			Content: content,
			URL:     strings.TrimSuffix(urlPrefix, "/") + "/" + escapePath(entryName),
		})
	}
	return entries, nil
}

// extractEntry writes one entry and returns its size and, for text files,
// its inline content.
func extractEntry(f *zip.File, target string, limit int64) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, "", err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", err
	}

	var inline strings.Builder
	var w io.Writer = out
	if IsTextFile(f.Name) {
		w = io.MultiWriter(out, &capWriter{b: &inline, max: MaxInlineContent})
	}

	n, err := io.Copy(w, io.LimitReader(rc, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = fmt.Errorf("entry exceeds remaining archive budget of %d bytes", limit)
	}
	if err != nil {
		os.Remove(target)
		return 0, "", err
	}
	return n, strings.ToValidUTF8(inline.String(), ""), nil
}

// capWriter keeps at most max bytes and silently discards the rest.
type capWriter struct {
	b   *strings.Builder
	max int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if room := c.max - c.b.Len(); room > 0 {
		if len(p) > room {
			c.b.Write(p[:room])
		} else {
			c.b.Write(p)
		}
	}
	return len(p), nil
}

func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
