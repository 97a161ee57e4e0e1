// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"encoding/base64"
	"log"

	"github.com/jeranaias/kot-relay/internal/cloud"
	"github.com/jeranaias/kot-relay/internal/model"
)

// FileReader reads stored uploads. Implementations must refuse paths outside
// the upload root.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// RequestBuilder turns a transcript window into an upstream message list.
type RequestBuilder struct {
	SystemPrompt string

	// BaseURL absolutizes relative attachment URLs.
	BaseURL string

	// Files reads local image attachments for inlining. Nil disables inlining.
	Files FileReader
}

// Build returns the system prompt followed by one entry per window message.
func (b *RequestBuilder) Build(window []model.Message) []cloud.ChatMessage {
	out := make([]cloud.ChatMessage, 0, len(window)+1)
	out = append(out, cloud.NewSystemMessage(b.SystemPrompt))
	for _, m := range window {
		out = append(out, b.render(m))
	}
	return out
}

// render converts one transcript message. Messages with images become
// multimodal: a text part when there is text, then one part per image.
func (b *RequestBuilder) render(m model.Message) cloud.ChatMessage {
	role := m.Role.UpstreamRole()
	images := m.Images()
	if len(images) == 0 {
		return cloud.ChatMessage{Role: role, Content: m.Content}
	}

	parts := make([]cloud.ContentPart, 0, len(images)+1)
	if m.Content != "" {
		parts = append(parts, cloud.TextPart(m.Content))
	}
	for _, img := range images {
		if url, ok := imageURL(b.resolve(img)); ok {
			parts = append(parts, cloud.ImagePart(url))
		}
	}
	if len(parts) == 0 {
		return cloud.ChatMessage{Role: role, Content: m.Content}
	}
	return cloud.NewMultimodalMessage(role, parts...)
}

// resolve settles an image attachment to inline bytes when its local file is
// readable, otherwise to an absolute URL. Returns nil if neither works.
func (b *RequestBuilder) resolve(att model.Attachment) model.AttachmentSource {
	src := att.Source(b.BaseURL)

	if local, ok := src.(model.LocalPath); ok {
		if b.Files != nil {
			data, err := b.Files.ReadFile(local.Path)
			if err == nil {
				return model.InlineBytes{MIMEType: local.MIMEType, Data: data}
			}
			log.Printf("IMAGE_INLINE_FAILED | name=%s error=%v", att.Name, err)
		}
		// Fall back to the URL locator
		att.Path = ""
		src = att.Source(b.BaseURL)
	}
	return src
}

// imageURL renders a resolved source as the url of an image_url part.
func imageURL(src model.AttachmentSource) (string, bool) {
	switch s := src.(type) {
	case model.InlineBytes:
		return "data:" + s.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(s.Data), true
	case model.RemoteURL:
		return s.URL, true
	case model.LocalPath:
		return "", false
	}
	return "", false
}
