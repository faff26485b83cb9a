// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for sessionguard.
//
// Supports both TOML and JSON formats, with sensible defaults, environment
// variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.sessionguard/config.toml
//   - ~/.sessionguard/config.json
//   - Built-in defaults
//
// Everything timing-related in the engine (idle timeout, max session age,
// warning lead, refresh lead, check interval) comes from here; components
// take immutable snapshots at construction and are never reconfigured by
// mutating a shared config value.
package config
