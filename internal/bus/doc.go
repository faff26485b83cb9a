// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus provides the in-process publish/subscribe channel the engine
// components use to notify the host application. It replaces ad hoc
// callback wiring with one typed surface: session-warning, session-logout,
// token-refreshed and security-threat events flow through here.
//
// Delivery is synchronous and in subscription order within one process.
// Cross-instance delivery is a separate concern handled by the crosstab
// package.
package bus
