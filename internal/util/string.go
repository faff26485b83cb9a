// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strconv"
	"time"
)

// IntToString converts an int to its decimal string form.
func IntToString(n int) string {
	return strconv.Itoa(n)
}

// Truncate shortens s to at most max runes, appending "..." when cut.
// Used when journal details and audit payloads are rendered for humans.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// MaskToken redacts a bearer token for logs, keeping only a short prefix and
// suffix for correlation.
// SECURITY: Full tokens must never reach the audit log or stderr.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// FormatDuration renders a duration as "Xh Ym" / "Xm Ys" for warnings and
// reports.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return IntToString(int(d.Seconds())) + "s"
	}
	if d >= time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins == 0 {
			return IntToString(hours) + "h"
		}
		return IntToString(hours) + "h " + IntToString(mins) + "m"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return IntToString(mins) + "m"
	}
	return IntToString(mins) + "m " + IntToString(secs) + "s"
}
