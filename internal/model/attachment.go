// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"math"
	"strings"
)

// Attachment describes an uploaded or pending file.
//
// Path and URL are storage locators. Path is never used as a filesystem
// path without first being checked against the upload root.
type Attachment struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	OriginalName string `json:"originalName,omitempty"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	Path         string `json:"path,omitempty"`
	URL          string `json:"url,omitempty"`

	// Content is the inline text of small text/code files.
	Content string `json:"content,omitempty"`

	// ExtractedFiles lists archive entries for ZIP uploads.
	ExtractedFiles []Attachment `json:"extractedFiles,omitempty"`
}

// IsImage reports whether the attachment's MIME type is an image type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.Type, "image/")
}

// SizeKB returns the size in kilobytes rounded to the nearest integer.
func (a Attachment) SizeKB() int64 {
	return int64(math.Round(float64(a.Size) / 1024))
}

// Stripped keeps only display name, MIME type and size.
func (a Attachment) Stripped() Attachment {
	return Attachment{Name: a.Name, Type: a.Type, Size: a.Size}
}

// Public drops the server-side path and inline content, keeping the URL
// clients fetch the file from.
func (a Attachment) Public() Attachment {
	a.Path = ""
	a.Content = ""
	if a.ExtractedFiles != nil {
		entries := make([]Attachment, len(a.ExtractedFiles))
		for i, e := range a.ExtractedFiles {
			entries[i] = e.Public()
		}
		a.ExtractedFiles = entries
	}
	return a
}

func cloneAttachments(files []Attachment) []Attachment {
	if files == nil {
		return nil
	}
	out := make([]Attachment, len(files))
	for i, f := range files {
		out[i] = f
		if f.ExtractedFiles != nil {
			out[i].ExtractedFiles = cloneAttachments(f.ExtractedFiles)
		}
	}
	return out
}

// =============================================================================
// ATTACHMENT SOURCE
// =============================================================================

// AttachmentSource is where the bytes of an image attachment come from.
// It is one of InlineBytes, RemoteURL or LocalPath.
type AttachmentSource interface {
	isAttachmentSource()
}

// InlineBytes carries the raw file content.
type InlineBytes struct {
	MIMEType string
	Data     []byte
}

// RemoteURL points at an absolute http(s) URL.
type RemoteURL struct {
	URL string
}

// LocalPath points at a file on this host.
type LocalPath struct {
	Path     string
	MIMEType string
}

func (InlineBytes) isAttachmentSource() {}
func (RemoteURL) isAttachmentSource()   {}
func (LocalPath) isAttachmentSource()   {}

// Source classifies the attachment's locator. A local path wins over a URL.
// Relative URLs are made absolute against baseURL. Returns nil when the
// attachment has no usable locator.
func (a Attachment) Source(baseURL string) AttachmentSource {
	if a.Path != "" {
		return LocalPath{Path: a.Path, MIMEType: a.Type}
	}
	if a.URL == "" {
		return nil
	}
	if strings.HasPrefix(a.URL, "http://") || strings.HasPrefix(a.URL, "https://") {
		return RemoteURL{URL: a.URL}
	}
	return RemoteURL{URL: strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(a.URL, "/")}
}
