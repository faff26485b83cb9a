// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides thread-safe security audit logging with secret
// redaction for sessionguard.
//
// Every lifecycle transition, refresh outcome and recorded threat is written
// as a JSON line to the audit log. Token material is redacted before it can
// reach disk. Files rotate by size; a failed write is reported to stderr and
// never crashes the component that tried to log.
package audit
