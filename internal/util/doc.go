// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the rigrun-chat packages.
//
// # Key Functions
//
// Text:
//   - StringWidth, TruncateWidth: terminal column aware measuring and cutting
//   - Preview: single line preview of message text
//
// File Operations:
//   - WriteFileAtomic: replace a file via a synced temp file and rename
package util
