// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"sync"
	"time"
)

// =============================================================================
// CONFIDENCE BASELINES
// =============================================================================

// baseConfidence is the starting score for each threat type before context
// adjustments. Structural detections are near-certain by construction: a
// failed HMAC is a fact, not a suspicion. Behavioral detections start lower
// and depend on context.
var baseConfidence = map[Type]int{
	TypeTokenTampering:      100,
	TypeStorageManipulation: 95,
	TypeTokenReplay:         90,
	TypeCSRFViolation:       85,
	TypeInvalidOrigin:       85,
	TypeXSSInjection:        80,
	TypeSessionHijacking:    70,
	TypeRateLimit:           60,
	TypeAutomation:          55,
	TypeBehavioralAnomaly:   45,
	TypeDevTools:            40,
}

// structural marks the types whose detection is a hard fact. Their
// confidence never drifts and their trigger threshold never adapts.
var structural = map[Type]bool{
	TypeTokenTampering:      true,
	TypeStorageManipulation: true,
	TypeTokenReplay:         true,
	TypeCSRFViolation:       true,
	TypeInvalidOrigin:       true,
	TypeXSSInjection:        true,
}

// Context adjustments, applied on top of the base score.
const (
	adjUnknownFingerprint = 15
	adjUnknownUserAgent   = 10
	adjDurationOutlier    = 5
	adjUnusualHour        = 5
	adjDevContext         = -20
)

// Trigger threshold band for behavioral types. A signal scoring under the
// current threshold is suppressed as noise; feedback and recurring
// borderline detections move the threshold inside this band.
const (
	triggerBase = 50
	triggerMax  = 80
	triggerStep = 5

	// Repeated accepted events scoring within driftMargin of the trigger
	// read as recurring borderline noise; after driftAfter of them in a row
	// the trigger steps up on its own, no feedback needed.
	driftMargin = 10
	driftAfter  = 3
)

// adjust applies the context adjustments and clamps to [0, 100].
func adjust(base int, ctx Context) int {
	score := base
	if !ctx.KnownFingerprint {
		score += adjUnknownFingerprint
	}
	if !ctx.KnownUserAgent {
		score += adjUnknownUserAgent
	}
	if ctx.DurationOutlier {
		score += adjDurationOutlier
	}
	if ctx.UnusualHour {
		score += adjUnusualHour
	}
	if ctx.DevContext {
		score += adjDevContext
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// =============================================================================
// ADAPTIVE DETECTOR
// =============================================================================

// AdaptiveDetector scores signals with context adjustments and per-type
// trigger thresholds that learn from feedback. Structural types bypass both:
// their evidence is binary and they always produce an event.
type AdaptiveDetector struct {
	mu              sync.Mutex
	actionThreshold int
	triggers        map[Type]int
	lowMargin       map[Type]int
}

// NewAdaptiveDetector creates an adaptive detector. actionThreshold is the
// confidence at or above which a high-severity event forces a logout.
func NewAdaptiveDetector(actionThreshold int) *AdaptiveDetector {
	triggers := make(map[Type]int)
	for _, t := range Types() {
		if !structural[t] {
			triggers[t] = triggerBase
		}
	}
	return &AdaptiveDetector{
		actionThreshold: actionThreshold,
		triggers:        triggers,
		lowMargin:       make(map[Type]int),
	}
}

// Evaluate scores a signal.
func (d *AdaptiveDetector) Evaluate(sig Signal) Assessment {
	base, ok := baseConfidence[sig.Type]
	if !ok {
		base = triggerBase
	}

	if structural[sig.Type] {
		// Structural evidence only softens in dev context; fingerprint
		// and timing context add nothing to a hard fact.
		score := base
		if sig.Context.DevContext {
			score += adjDevContext
		}
		return Assessment{
			Confidence: score,
			Actionable: score >= d.actionThreshold && SeverityOf(sig.Type).AtLeast(SeverityHigh),
		}
	}

	score := adjust(base, sig.Context)

	d.mu.Lock()
	trigger := d.triggers[sig.Type]
	if score < trigger {
		d.mu.Unlock()
		return Assessment{Confidence: score, Suppress: true}
	}

	// Dampening loop: a run of barely-over-trigger detections of one type
	// is the signature of a recurring false positive, so the trigger climbs
	// until either the run stops or the band's ceiling caps it.
	if score-trigger < driftMargin {
		d.lowMargin[sig.Type]++
		if d.lowMargin[sig.Type] >= driftAfter {
			d.lowMargin[sig.Type] = 0
			if next := trigger + triggerStep; next <= triggerMax {
				d.triggers[sig.Type] = next
			}
		}
	} else {
		d.lowMargin[sig.Type] = 0
	}
	d.mu.Unlock()

	return Assessment{
		Confidence: score,
		Actionable: score >= d.actionThreshold && SeverityOf(sig.Type).AtLeast(SeverityHigh),
	}
}

// RecordFeedback tunes a behavioral type's trigger threshold: a false
// positive raises it one step, a confirmed detection lowers it. The
// threshold never leaves [triggerBase, triggerMax] and structural types
// never move.
func (d *AdaptiveDetector) RecordFeedback(t Type, falsePositive bool) {
	if structural[t] {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	trigger, ok := d.triggers[t]
	if !ok {
		return
	}
	if falsePositive {
		trigger += triggerStep
	} else {
		trigger -= triggerStep
	}
	if trigger < triggerBase {
		trigger = triggerBase
	}
	if trigger > triggerMax {
		trigger = triggerMax
	}
	d.triggers[t] = trigger
}

// TriggerThreshold reports the current trigger for a type, for diagnostics.
func (d *AdaptiveDetector) TriggerThreshold(t Type) int {
	if structural[t] {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers[t]
}

// =============================================================================
// RULE DETECTOR
// =============================================================================

// ruleCountWindow bounds the occurrence window for count-thresholded types.
const ruleCountWindow = 5 * time.Minute

// ruleCountThresholds lists the noisy types that fire only on the Nth
// occurrence inside the window instead of on first sight. Everything else
// fires immediately.
var ruleCountThresholds = map[Type]int{
	TypeDevTools:          3,
	TypeBehavioralAnomaly: 3,
	TypeRateLimit:         2,
}

// RuleDetector is the fixed-score fallback mode: base confidence, no
// context adjustments, no learning. Predictable and auditable; its only
// noise control is the per-type occurrence count for the noisy types.
type RuleDetector struct {
	mu              sync.Mutex
	actionThreshold int
	occurrences     map[Type][]time.Time
}

// NewRuleDetector creates a rule detector.
func NewRuleDetector(actionThreshold int) *RuleDetector {
	return &RuleDetector{
		actionThreshold: actionThreshold,
		occurrences:     make(map[Type][]time.Time),
	}
}

// Evaluate scores a signal at its fixed base confidence. Count-thresholded
// types are suppressed until enough occurrences pile up inside the window.
func (d *RuleDetector) Evaluate(sig Signal) Assessment {
	score, ok := baseConfidence[sig.Type]
	if !ok {
		score = triggerBase
	}
	if need, counted := ruleCountThresholds[sig.Type]; counted && !d.countReached(sig.Type, need) {
		return Assessment{Confidence: score, Suppress: true}
	}
	return Assessment{
		Confidence: score,
		Actionable: score >= d.actionThreshold && SeverityOf(sig.Type).AtLeast(SeverityHigh),
	}
}

// countReached records one occurrence and reports whether the windowed
// count hit the firing threshold. Firing resets the count so each event
// represents a fresh run.
func (d *RuleDetector) countReached(t Type, need int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-ruleCountWindow)
	kept := d.occurrences[t][:0]
	for _, at := range d.occurrences[t] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, time.Now())
	if len(kept) >= need {
		d.occurrences[t] = kept[:0]
		return true
	}
	d.occurrences[t] = kept
	return false
}
