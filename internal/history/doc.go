// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history holds the live chat transcript shared by every connection.
//
// The transcript lives in memory and is rewritten to a JSON file after every
// mutation, before the mutating call returns. Write failures are logged and
// ignored: the in-memory copy stays authoritative for the process lifetime.
// A transcript file that cannot be read at startup yields an empty transcript.
//
// Attachments are persisted with name, type and size only.
//
// # Usage
//
//	store := history.Open("chat_history.json")
//	store.Append(model.NewMessage(model.RoleUser, "hi", nil))
//	window := store.GetRecentWindow(10)
package history
