// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package threat detects attacks against the session: tampering with stored
// credentials, replayed or hijacked tokens, forged requests and automated
// clients. Signals come in from monitors and the embedding application; a
// scoring engine turns them into events with a confidence, and events past
// the action threshold force a logout.
package threat

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TAXONOMY
// =============================================================================

// Type classifies a threat.
type Type string

const (
	// TypeTokenTampering is out-of-band modification of stored credentials.
	TypeTokenTampering Type = "token_tampering"
	// TypeTokenReplay is reuse of a superseded or expired token.
	TypeTokenReplay Type = "token_replay"
	// TypeSessionHijacking is a session continuing from a different
	// device or environment than it was bound to.
	TypeSessionHijacking Type = "session_hijacking"
	// TypeCSRFViolation is a state-changing request without the
	// anti-forgery token.
	TypeCSRFViolation Type = "csrf_violation"
	// TypeXSSInjection is script content where data was expected.
	TypeXSSInjection Type = "xss_injection"
	// TypeStorageManipulation is direct modification of the state
	// directory bypassing the store API.
	TypeStorageManipulation Type = "storage_manipulation"
	// TypeRateLimit is request volume beyond what a human produces.
	TypeRateLimit Type = "rate_limit"
	// TypeInvalidOrigin is a request from an origin outside the allow
	// list.
	TypeInvalidOrigin Type = "invalid_origin"
	// TypeAutomation is interaction timing too regular for a human.
	TypeAutomation Type = "automation"
	// TypeDevTools is an attached debugger or inspection tooling.
	TypeDevTools Type = "devtools"
	// TypeBehavioralAnomaly is activity outside the learned profile.
	TypeBehavioralAnomaly Type = "behavioral_anomaly"
)

// Types lists the full taxonomy.
func Types() []Type {
	return []Type{
		TypeTokenTampering,
		TypeTokenReplay,
		TypeSessionHijacking,
		TypeCSRFViolation,
		TypeXSSInjection,
		TypeStorageManipulation,
		TypeRateLimit,
		TypeInvalidOrigin,
		TypeAutomation,
		TypeDevTools,
		TypeBehavioralAnomaly,
	}
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity grades an event's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// severityFor is the fixed severity of each threat type. Severity is a
// property of the type; confidence is a property of the observation.
var severityFor = map[Type]Severity{
	TypeTokenTampering:      SeverityCritical,
	TypeTokenReplay:         SeverityCritical,
	TypeSessionHijacking:    SeverityCritical,
	TypeStorageManipulation: SeverityCritical,
	TypeCSRFViolation:       SeverityHigh,
	TypeXSSInjection:        SeverityHigh,
	TypeInvalidOrigin:       SeverityHigh,
	TypeRateLimit:           SeverityMedium,
	TypeAutomation:          SeverityMedium,
	TypeDevTools:            SeverityLow,
	TypeBehavioralAnomaly:   SeverityLow,
}

// SeverityOf returns the fixed severity for a threat type.
func SeverityOf(t Type) Severity {
	if s, ok := severityFor[t]; ok {
		return s
	}
	return SeverityLow
}

// =============================================================================
// EVENTS AND SIGNALS
// =============================================================================

// Event is one scored detection.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Severity   Severity          `json:"severity"`
	Confidence int               `json:"confidence"`
	SessionID  string            `json:"session_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Actionable bool              `json:"actionable"`
	Details    map[string]string `json:"details,omitempty"`
}

// newEvent stamps identity and time onto a detection.
func newEvent(t Type, sessionID string, details map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  SeverityOf(t),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details:   details,
	}
}

// Signal is a raw observation handed to the scoring engine, together with
// the context the adaptive detector adjusts on.
type Signal struct {
	Type    Type
	Context Context
	Details map[string]string
}

// Context carries the environmental facts that shift confidence up or down.
type Context struct {
	// KnownFingerprint is false when the device fingerprint has not been
	// seen for this user before.
	KnownFingerprint bool
	// KnownUserAgent is false when the client identifier is new.
	KnownUserAgent bool
	// DurationOutlier is true when the session length falls far outside
	// the learned average.
	DurationOutlier bool
	// UnusualHour is true when activity lands in an hour bucket the
	// profile says this user is never active in.
	UnusualHour bool
	// DevContext damps scores in development environments.
	DevContext bool
}

// Assessment is a detector's verdict on a signal. A suppressed signal is
// noise below the detector's trigger threshold and produces no event.
type Assessment struct {
	Confidence int
	Actionable bool
	Suppress   bool
}

// Detector scores signals. Implementations must be safe for concurrent use.
type Detector interface {
	Evaluate(sig Signal) Assessment
}
