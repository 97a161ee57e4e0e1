// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
	RoleWarning   Role = "warning"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleError, RoleWarning:
		return true
	}
	return false
}

// UpstreamRole maps a transcript role onto the two roles the completion
// API accepts for history entries. Only assistant turns stay assistant.
func (r Role) UpstreamRole() string {
	if r == RoleAssistant {
		return string(RoleAssistant)
	}
	return string(RoleUser)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one turn in a conversation.
// Role, Content and Timestamp are fixed once the message enters the history store.
type Message struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Files     []Attachment `json:"files,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, content string, files []Attachment) Message {
	return Message{
		Role:      role,
		Content:   content,
		Files:     cloneAttachments(files),
		Timestamp: time.Now().UTC(),
	}
}

// HasImages reports whether any attachment is an image.
func (m Message) HasImages() bool {
	for _, f := range m.Files {
		if f.IsImage() {
			return true
		}
	}
	return false
}

// Images returns the image attachments in order.
func (m Message) Images() []Attachment {
	var out []Attachment
	for _, f := range m.Files {
		if f.IsImage() {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate stored attachments.
func (m Message) Clone() Message {
	m.Files = cloneAttachments(m.Files)
	return m
}

// Stripped returns a copy whose attachments carry only name, type and size.
// This is the form written to disk.
func (m Message) Stripped() Message {
	if m.Files == nil {
		return m
	}
	files := make([]Attachment, len(m.Files))
	for i, f := range m.Files {
		files[i] = f.Stripped()
	}
	m.Files = files
	return m
}

// Public returns a copy safe to send to clients. See Attachment.Public.
func (m Message) Public() Message {
	if m.Files == nil {
		return m
	}
	files := make([]Attachment, len(m.Files))
	for i, f := range m.Files {
		files[i] = f.Public()
	}
	m.Files = files
	return m
}

// PublicMessages returns client-safe copies of msgs.
func PublicMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Public()
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// StripMessages returns copies of msgs with attachment locators removed.
func StripMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Stripped()
	}
	return out
}

// DescribeAttachments renders the text block appended to a user turn when it
// carries non-image files. Returns "" when files is empty or contains an image,
// since images travel as structured parts instead.
func DescribeAttachments(files []Attachment) string {
	if len(files) == 0 {
		return ""
	}
	for _, f := range files {
		if f.IsImage() {
			return ""
		}
	}

	var b strings.Builder
	b.WriteString("\n\nThe user attached the following files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s, %d KB)\n", f.Name, f.Type, f.SizeKB())
		if f.Content != "" {
			fmt.Fprintf(&b, "\nContents of %s:\n```\n%s\n```\n", f.Name, f.Content)
		}
	}
	return b.String()
}
