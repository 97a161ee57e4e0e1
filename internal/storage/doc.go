// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides saved-session persistence.
//
// Each session is one JSON file named <id>.json in the base directory. An
// in-memory index of id, name and timestamps is rebuilt from disk at startup
// and kept current by every mutation. Files that cannot be parsed are logged
// and skipped.
//
// # Key Types
//
//   - SessionStore: Create/load/rename/delete named transcript snapshots
//   - SavedSession: A snapshot with its messages
//   - SessionMeta: Index entry used for listing
//   - Watcher: Re-indexes session files edited outside the process
//
// # Usage
//
//	store, err := storage.NewSessionStore("saved_chats")
//	sess, err := store.Save("chat-1", "Groceries", messages)
//	metas := store.List() // most recently updated first
//
// Saved sessions never touch the live transcript.
package storage
