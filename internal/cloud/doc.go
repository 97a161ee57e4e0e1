// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the OpenRouter completion client used by the relay.
//
// OpenRouter provides access to multiple LLM providers through a single API,
// including Claude, GPT-4, and Gemini models. The client is stateless beyond
// its configuration and performs exactly one HTTP call per operation.
//
// # Key Types
//
//   - Client: HTTP client for the OpenRouter API
//   - ChatMessage: Chat message, plain text or multimodal content parts
//   - ContentPart: A text or image_url part of a multimodal message
//   - ModelInfo: Entry of the models listing
//   - OpenRouterError: Non-2xx response carrying status code and body
//
// # Usage
//
//	client := cloud.NewClient(apiKey).
//	    WithDefaultModel("anthropic/claude-3-opus:beta").
//	    WithTimeout(30 * time.Second)
//	content, err := client.Complete(ctx, "", []cloud.ChatMessage{
//	    cloud.NewSystemMessage("You are Kot."),
//	    cloud.NewUserMessage("Hello"),
//	})
//
// # Errors
//
// Complete never retries. Timeouts surface as ErrTimeout, a missing key as
// ErrNotConfigured, and other failures as *OpenRouterError which matches the
// status sentinels (ErrAuthFailed, ErrRateLimited, ...) through errors.Is.
// ListModels never fails: it falls back to the configured default model.
//
// # Security
//
// API keys are never logged. KeyFingerprint returns a SHA-256 prefix for
// correlating log lines.
package cloud
