// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for the relay.
//
// Supports both TOML and JSON configuration files, with built-in defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Complete configuration
//   - ServerConfig: Listen address, public URL, CORS origins, HTTP timeouts
//   - UpstreamConfig: OpenRouter credential, default model, request shaping
//   - StorageConfig: History file, saved-session and upload directories
//   - UploadsConfig: Upload size/count limits and MIME allow-list
//   - LimitsConfig: API rate limit and websocket frame limit
//
// # Configuration Precedence
//
// Highest first:
//   - Environment variables (PORT, OPENROUTER_API_KEY, MODEL, ...)
//   - The file passed with --config, else ./kot.toml, else ./kot.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load(configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Addr())
package config
