// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the relay packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//   - HasTraversal: Detects parent-directory segments in client paths
//   - SafeJoin: Joins a client path under a root and refuses escapes
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth: Display-width aware truncation (CJK, emoji)
//   - PadRight: Display-width aware padding for aligned output
//
// # Usage
//
//	// Write the transcript atomically
//	err := util.AtomicWriteFile(path, data, 0644)
//
//	// Resolve an upload path sent by a client
//	full, err := util.SafeJoin(uploadDir, r.URL.Query().Get("path"))
//
//	// Shorten user content for log lines
//	log.Printf("WS_MESSAGE | preview=%q", util.TruncateRunes(content, 60))
package util
