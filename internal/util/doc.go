// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for sessionguard: atomic file
// writes with fsync, and string formatting/masking used by the audit and
// reporting layers.
package util
