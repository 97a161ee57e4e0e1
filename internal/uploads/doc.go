// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package uploads stores user-uploaded files and resolves client-supplied
// paths against the upload root.
//
// Every stored file gets a random <uuid><ext> name and a <uuid>.meta.json
// sidecar recording the original name, MIME type, size and upload time.
// ZIP archives are expanded into <uuid>/ next to the archive, skipping
// entries whose names would land outside that directory.
//
// Any path that arrives from a client goes through Resolve, which rejects
// parent-directory segments with ErrPathTraversal and never returns a path
// outside Root.
package uploads
