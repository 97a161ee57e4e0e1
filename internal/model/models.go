// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// ImageCapableTokens are model-family substrings treated as accepting image input.
var ImageCapableTokens = []string{"claude-3", "gpt-4", "vision"}

// SupportsImages reports whether modelID matches an image-capable family.
// This is a name check only; the upstream API is the final authority.
func SupportsImages(modelID string) bool {
	for _, token := range ImageCapableTokens {
		if strings.Contains(modelID, token) {
			return true
		}
	}
	return false
}
