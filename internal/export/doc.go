// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders saved chat sessions as downloadable documents.
//
// Formats:
//   - markdown: YAML frontmatter, one heading per message, attachments listed
//   - html: standalone page, all message text escaped, fenced code as <pre>
//   - json: the session exactly as stored
//
// Exporters never touch the filesystem; the HTTP layer streams their output
// with a Content-Disposition built from Filename.
package export
