// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli parses the kot command line and runs its commands.
//
// Commands:
//   - serve (default): wire the stores, the upstream client, the relay and
//     the HTTP server from configuration, then run until SIGINT or SIGTERM
//   - config show|validate|init: inspect or bootstrap kot.toml
//   - version, help
//
// Configuration is layered file, then environment, then flags. The API key
// is never printed; the banner and logs show its fingerprint only.
package cli
