// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testActionThreshold = 85

// knownContext is the calm baseline: everything familiar, nothing odd.
var knownContext = Context{
	KnownFingerprint: true,
	KnownUserAgent:   true,
}

func TestAdaptive_StructuralTypesScoreFixed(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	// Context cannot inflate a hard fact.
	hostile := Context{KnownFingerprint: false, KnownUserAgent: false, UnusualHour: true, DurationOutlier: true}
	a := d.Evaluate(Signal{Type: TypeTokenTampering, Context: hostile})
	assert.Equal(t, 100, a.Confidence)
	assert.True(t, a.Actionable)
	assert.False(t, a.Suppress)

	calm := d.Evaluate(Signal{Type: TypeTokenTampering, Context: knownContext})
	assert.Equal(t, 100, calm.Confidence, "structural confidence ignores context")
}

func TestAdaptive_DevContextDampsStructural(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)
	a := d.Evaluate(Signal{Type: TypeTokenTampering, Context: Context{KnownFingerprint: true, KnownUserAgent: true, DevContext: true}})
	assert.Equal(t, 80, a.Confidence)
	assert.False(t, a.Actionable, "damped below the action threshold")
}

func TestAdaptive_ContextAdjustments(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	cases := []struct {
		name string
		ctx  Context
		want int
	}{
		{"baseline", knownContext, 70},
		{"unknown fingerprint", Context{KnownUserAgent: true}, 85},
		{"unknown fingerprint and agent", Context{}, 95},
		{"everything unusual", Context{DurationOutlier: true, UnusualHour: true}, 100},
		{"dev context damping", Context{KnownFingerprint: true, KnownUserAgent: true, DevContext: true}, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := d.Evaluate(Signal{Type: TypeSessionHijacking, Context: tc.ctx})
			assert.Equal(t, tc.want, a.Confidence)
		})
	}
}

func TestAdaptive_ActionRequiresHighSeverity(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	// Rate limit is medium severity; even a maxed-out score must not
	// force a logout on its own.
	a := d.Evaluate(Signal{Type: TypeRateLimit, Context: Context{DurationOutlier: true, UnusualHour: true}})
	assert.GreaterOrEqual(t, a.Confidence, 85)
	assert.False(t, a.Actionable)

	// Hijacking is critical; the same score is actionable.
	h := d.Evaluate(Signal{Type: TypeSessionHijacking, Context: Context{}})
	assert.GreaterOrEqual(t, h.Confidence, 85)
	assert.True(t, h.Actionable)
}

func TestAdaptive_SuppressionBelowTrigger(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	// devtools base 40 in a calm context sits under the 50 trigger.
	a := d.Evaluate(Signal{Type: TypeDevTools, Context: knownContext})
	assert.True(t, a.Suppress)
	assert.Equal(t, 40, a.Confidence)
}

func TestAdaptive_FeedbackDrift(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)
	assert.Equal(t, triggerBase, d.TriggerThreshold(TypeAutomation))

	// Two false positives raise the trigger past automation's calm score.
	d.RecordFeedback(TypeAutomation, true)
	d.RecordFeedback(TypeAutomation, true)
	assert.Equal(t, triggerBase+2*triggerStep, d.TriggerThreshold(TypeAutomation))

	a := d.Evaluate(Signal{Type: TypeAutomation, Context: knownContext})
	assert.True(t, a.Suppress, "score 55 under trigger 60")

	// Confirmed detections walk it back down.
	d.RecordFeedback(TypeAutomation, false)
	d.RecordFeedback(TypeAutomation, false)
	a = d.Evaluate(Signal{Type: TypeAutomation, Context: knownContext})
	assert.False(t, a.Suppress)
}

func TestAdaptive_TriggerClampedToBand(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	for i := 0; i < 50; i++ {
		d.RecordFeedback(TypeAutomation, true)
	}
	assert.Equal(t, triggerMax, d.TriggerThreshold(TypeAutomation))

	for i := 0; i < 50; i++ {
		d.RecordFeedback(TypeAutomation, false)
	}
	assert.Equal(t, triggerBase, d.TriggerThreshold(TypeAutomation))
}

func TestAdaptive_StructuralNeverDrifts(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	for i := 0; i < 50; i++ {
		d.RecordFeedback(TypeTokenTampering, true)
	}
	a := d.Evaluate(Signal{Type: TypeTokenTampering, Context: knownContext})
	assert.False(t, a.Suppress)
	assert.Equal(t, 100, a.Confidence)
}

func TestRuleDetector_FixedScores(t *testing.T) {
	d := NewRuleDetector(testActionThreshold)

	// Context is ignored entirely; non-counted types fire on first sight.
	hostile := Context{DurationOutlier: true, UnusualHour: true}
	for typ, base := range baseConfidence {
		if _, counted := ruleCountThresholds[typ]; counted {
			continue
		}
		a := d.Evaluate(Signal{Type: typ, Context: hostile})
		assert.Equal(t, base, a.Confidence, "type %s", typ)
		assert.False(t, a.Suppress, "type %s suppressed on first sight", typ)
	}

	assert.True(t, d.Evaluate(Signal{Type: TypeTokenTampering}).Actionable)
	assert.False(t, d.Evaluate(Signal{Type: TypeAutomation}).Actionable)
}

func TestRuleDetector_NoisyTypesNeedRepeats(t *testing.T) {
	d := NewRuleDetector(testActionThreshold)

	// devtools absorbs two sightings and fires on the third.
	assert.True(t, d.Evaluate(Signal{Type: TypeDevTools}).Suppress)
	assert.True(t, d.Evaluate(Signal{Type: TypeDevTools}).Suppress)
	a := d.Evaluate(Signal{Type: TypeDevTools})
	assert.False(t, a.Suppress)
	assert.Equal(t, 40, a.Confidence)

	// Firing resets the run; the next sighting starts over.
	assert.True(t, d.Evaluate(Signal{Type: TypeDevTools}).Suppress)

	// rate_limit fires on the second occurrence, independently.
	assert.True(t, d.Evaluate(Signal{Type: TypeRateLimit}).Suppress)
	assert.False(t, d.Evaluate(Signal{Type: TypeRateLimit}).Suppress)
}

func TestAdaptive_LowMarginRunRaisesTrigger(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)
	assert.Equal(t, triggerBase, d.TriggerThreshold(TypeAutomation))

	// Automation at base 55 sits 5 over the 50 trigger. Each run of three
	// borderline detections steps the trigger up with no feedback call;
	// after two runs the trigger clears the score and suppression kicks in.
	for i := 0; i < 2*driftAfter; i++ {
		a := d.Evaluate(Signal{Type: TypeAutomation, Context: knownContext})
		assert.False(t, a.Suppress, "detection %d", i)
	}
	assert.Equal(t, triggerBase+2*triggerStep, d.TriggerThreshold(TypeAutomation))

	a := d.Evaluate(Signal{Type: TypeAutomation, Context: knownContext})
	assert.True(t, a.Suppress, "score 55 accepted over drifted trigger 60")
}

func TestAdaptive_HighMarginResetsDrift(t *testing.T) {
	d := NewAdaptiveDetector(testActionThreshold)

	// Two borderline hits, then a clear one, then two more borderline: the
	// run never reaches three and the trigger stays put.
	border := Signal{Type: TypeBehavioralAnomaly, Context: Context{KnownFingerprint: true}} // 45+10 = 55
	clear := Signal{Type: TypeBehavioralAnomaly, Context: Context{}}                        // 45+15+10 = 70
	d.Evaluate(border)
	d.Evaluate(border)
	d.Evaluate(clear)
	d.Evaluate(border)
	d.Evaluate(border)
	assert.Equal(t, triggerBase, d.TriggerThreshold(TypeBehavioralAnomaly))
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))

	for _, typ := range Types() {
		assert.NotEmpty(t, SeverityOf(typ), "type %s has no severity", typ)
	}
}
