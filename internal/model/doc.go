// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat turns and attachments.
//
// These types are shared by the history store, the saved-session store,
// the relay and the HTTP surface, and their JSON shape is the wire format
// the browser client consumes.
//
// # Key Types
//
//   - Message: One turn with role, content, attachments and timestamp
//   - Attachment: Descriptor of an uploaded file (name, type, size, locator)
//   - AttachmentSource: Resolved image source (InlineBytes, RemoteURL, LocalPath)
//   - Role: system, user, assistant, error, warning
//
// # Usage
//
//	msg := model.NewMessage(model.RoleUser, "hi", nil)
//	if msg.HasImages() && !model.SupportsImages(modelID) {
//	    // warn the client
//	}
package model
