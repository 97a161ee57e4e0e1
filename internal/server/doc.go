// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface of the relay.
//
// # Endpoints
//
//   - GET    /api/chat-history          - Full live transcript
//   - GET    /api/saved-chats           - Saved session index
//   - POST   /api/save-chat             - Create or replace a saved session
//   - GET    /api/load-chat/{chatId}    - Load a saved session
//   - DELETE /api/delete-chat/{chatId}  - Delete a saved session
//   - PUT    /api/rename-chat/{chatId}  - Rename a saved session
//   - GET    /api/export-chat/{chatId}  - Download as markdown, html or json (?format=)
//   - GET    /api/models                - Upstream models (never fails)
//   - GET    /api/check-openrouter      - Alias of /api/models
//   - GET    /api/check-file?path=      - Does an uploaded file exist
//   - GET    /api/file-content?path=    - Raw text of an uploaded text file
//   - POST   /api/upload                - Multipart upload, field "files"
//   - GET    /ws                        - Chat websocket
//   - GET    /uploads/...               - Uploaded files
//   - GET    /health                    - Health check
//   - GET    /...                       - Web client, when server.static_dir is set
//
// Every API error is answered as {"status":"error","message":"..."}.
//
// # Middleware
//
// Recovery, security headers, CORS and request logging wrap every route.
// The /api/ subtree is additionally rate limited per client IP.
package server
