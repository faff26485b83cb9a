// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the origin-scoped persistence layer for
// sessionguard: the token record, the remember-me flag and the behavior
// profile, each a file under the shared state directory.
//
// The token record is sealed with an HMAC-SHA256 tag derived from a
// per-device secret. A record that fails verification is reported as
// tampered, never silently accepted. All writes are atomic with fsync so a
// crash never leaves a half-written credential on disk.
package store
