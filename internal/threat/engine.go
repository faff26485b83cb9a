// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/audit"
	"github.com/jeranaias/sessionguard/internal/bus"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// ENGINE
// =============================================================================

const (
	// ringSize bounds the in-memory recent-event buffer.
	ringSize = 100

	// Burst escalation: this many medium-or-worse events inside the
	// window force a logout even when no single event crossed the action
	// threshold.
	burstWindow    = 10 * time.Minute
	burstThreshold = 5

	// revalidateInterval is how often the stored token is re-verified.
	revalidateInterval = 30 * time.Second
)

// ActionHandler is invoked when a detection demands termination.
type ActionHandler func(reason string)

// Engine is the threat detection orchestrator: signals in, scored events
// out, forced logout when warranted.
type Engine struct {
	mu       sync.Mutex
	cfg      config.ThreatConfig
	detector Detector
	adaptive *AdaptiveDetector // nil in rule mode
	profile  *Profile
	store    *store.Store
	journal  *Journal
	events   *bus.Bus
	auditLog *audit.Logger

	inspector   *Inspector
	timing      *TimingAnalyzer
	storeMon    *StoreMonitor
	revalidator *Revalidator

	ring         []Event
	fingerprint  string
	sessionStart time.Time
	escalated    bool
	onAction     ActionHandler
}

// Option customizes an Engine.
type Option func(*Engine)

// WithActionHandler wires the forced-logout callback.
func WithActionHandler(h ActionHandler) Option {
	return func(e *Engine) {
		e.onAction = h
	}
}

// WithJournal wires the persistent event journal.
func WithJournal(j *Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithFingerprint sets the current device fingerprint hash checked against
// the learned profile.
func WithFingerprint(hash string) Option {
	return func(e *Engine) {
		e.fingerprint = hash
	}
}

// New creates a threat engine in the configured mode.
func New(cfg config.ThreatConfig, tokens *store.Store, events *bus.Bus, auditLog *audit.Logger, opts ...Option) (*Engine, error) {
	profile, err := LoadProfile(tokens)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		profile:   profile,
		store:     tokens,
		events:    events,
		auditLog:  auditLog,
		inspector: NewInspector(cfg.AllowedOrigins),
		timing:    NewTimingAnalyzer(),
	}
	for _, opt := range opts {
		opt(e)
	}

	actionThreshold := int(cfg.ActionThreshold)
	if cfg.Engine == config.EngineRule {
		e.detector = NewRuleDetector(actionThreshold)
	} else {
		e.adaptive = NewAdaptiveDetector(actionThreshold)
		e.detector = e.adaptive
	}

	e.storeMon = NewStoreMonitor(tokens, func(sig Signal) { e.Report(sig) })
	e.revalidator = NewRevalidator(tokens, revalidateInterval, func(sig Signal) { e.Report(sig) })
	return e, nil
}

// Profile exposes the learned behavior profile.
func (e *Engine) Profile() *Profile {
	return e.profile
}

// Start launches the monitors. A disabled engine still scores explicit
// reports but watches nothing.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.MonitoringEnabled {
		return nil
	}
	if err := e.storeMon.Start(ctx); err != nil {
		return err
	}
	e.revalidator.Start(ctx)
	return nil
}

// Close stops the monitors and persists the profile.
func (e *Engine) Close() error {
	err := e.storeMon.Close()
	if saveErr := e.profile.Save(e.store); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

// =============================================================================
// SESSION BINDING
// =============================================================================

// BindSession points the monitors at a live session and learns the device.
func (e *Engine) BindSession(sessionID string) {
	e.mu.Lock()
	e.sessionStart = time.Now()
	e.escalated = false
	e.mu.Unlock()

	e.revalidator.Bind(sessionID)
	e.timing.Reset()
	if e.fingerprint != "" {
		e.profile.LearnFingerprint(e.fingerprint)
	}
}

// ExpectRotation marks an imminent legitimate session identifier change.
func (e *Engine) ExpectRotation() {
	e.revalidator.ExpectRotation()
}

// EndSession folds the finished session into the profile and persists it.
func (e *Engine) EndSession() {
	e.mu.Lock()
	start := e.sessionStart
	e.sessionStart = time.Time{}
	e.mu.Unlock()

	e.revalidator.Bind("")
	if !start.IsZero() {
		e.profile.RecordSession(time.Since(start))
	}
	_ = e.profile.Save(e.store)
}

// =============================================================================
// REPORTING
// =============================================================================

// Report scores one signal. Returns the recorded event and true, or a zero
// event and false when the signal was suppressed as noise.
func (e *Engine) Report(sig Signal) (Event, bool) {
	return e.reportWithUA(sig, true)
}

// InspectRequest runs the request checks and scores whatever they find.
func (e *Engine) InspectRequest(req RequestInfo) []Event {
	knownUA := req.UserAgent == "" || e.profile.KnownUserAgent(req.UserAgent)
	if req.UserAgent != "" {
		e.profile.LearnUserAgent(req.UserAgent)
	}

	var recorded []Event
	for _, sig := range e.inspector.Inspect(req) {
		if event, ok := e.reportWithUA(sig, knownUA); ok {
			recorded = append(recorded, event)
		}
	}
	return recorded
}

// reportWithUA is Report with the user-agent fact pinned by the caller.
func (e *Engine) reportWithUA(sig Signal, knownUA bool) (Event, bool) {
	sig.Context = e.buildContext(sig)
	sig.Context.KnownUserAgent = knownUA
	assessment := e.detector.Evaluate(sig)
	if assessment.Suppress {
		return Event{}, false
	}

	event := newEvent(sig.Type, e.store.CurrentSessionID(), sig.Details)
	event.Confidence = assessment.Confidence
	event.Actionable = assessment.Actionable
	e.record(event)

	if event.Actionable {
		e.act("security_threat")
	} else if e.burstExceeded() {
		e.act("threat_burst")
	}
	return event, true
}

// RecordInteraction feeds one user interaction into the timing analyzer and
// hour histogram, reporting automation when the stream turns mechanical.
func (e *Engine) RecordInteraction(at time.Time) {
	e.profile.RecordActivityHour(at)
	if e.timing.Observe(at) {
		e.Report(Signal{
			Type:    TypeAutomation,
			Details: map[string]string{"check": "interaction_timing"},
		})
		// One detection per stream; requiring a fresh window keeps a
		// single script run from flooding the journal.
		e.timing.Reset()
	}
}

// Feedback tunes the adaptive trigger thresholds. No-op in rule mode.
func (e *Engine) Feedback(t Type, falsePositive bool) {
	if e.adaptive != nil {
		e.adaptive.RecordFeedback(t, falsePositive)
	}
}

// Recent returns up to limit recent events, newest first.
func (e *Engine) Recent(limit int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.ring) {
		limit = len(e.ring)
	}
	out := make([]Event, 0, limit)
	for i := len(e.ring) - 1; i >= len(e.ring)-limit; i-- {
		out = append(out, e.ring[i])
	}
	return out
}

// =============================================================================
// INTERNALS
// =============================================================================

// buildContext derives the adjustment context from the profile and current
// session. Signals carry no context of their own; the engine is the one
// place that knows the environment.
func (e *Engine) buildContext(sig Signal) Context {
	e.mu.Lock()
	start := e.sessionStart
	e.mu.Unlock()

	now := time.Now()
	duration := time.Duration(0)
	if !start.IsZero() {
		duration = now.Sub(start)
	}

	return Context{
		KnownFingerprint: e.fingerprint == "" || e.profile.KnownFingerprint(e.fingerprint),
		KnownUserAgent:   true, // only request inspection knows better
		DurationOutlier:  e.profile.IsDurationOutlier(duration),
		UnusualHour:      e.profile.IsUnusualHour(now),
		DevContext:       e.cfg.DevContext,
	}
}

// record appends an event to the ring and journal and tells listeners.
func (e *Engine) record(event Event) {
	e.mu.Lock()
	e.ring = append(e.ring, event)
	if len(e.ring) > ringSize {
		e.ring = e.ring[len(e.ring)-ringSize:]
	}
	e.mu.Unlock()

	if e.journal != nil {
		_ = e.journal.Append(event)
	}
	if e.auditLog != nil {
		_ = e.auditLog.Log(audit.Event{
			EventType: "threat_detected",
			SessionID: event.SessionID,
			Success:   false,
			Metadata: map[string]string{
				"threat_type": string(event.Type),
				"severity":    string(event.Severity),
				"confidence":  util.IntToString(event.Confidence),
			},
		})
	}
	e.events.Publish(bus.Event{
		Type:    bus.EventSecurityThreat,
		Reason:  string(event.Type),
		Payload: event,
	})
}

// burstExceeded checks the in-memory ring for a medium-or-worse burst.
func (e *Engine) burstExceeded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-burstWindow)
	count := 0
	for _, event := range e.ring {
		if event.Timestamp.After(cutoff) && event.Severity.AtLeast(SeverityMedium) {
			count++
		}
	}
	return count >= burstThreshold
}

// act fires the forced-logout handler at most once per session.
func (e *Engine) act(reason string) {
	e.mu.Lock()
	if e.escalated || e.onAction == nil {
		e.mu.Unlock()
		return
	}
	e.escalated = true
	handler := e.onAction
	e.mu.Unlock()

	handler(reason)
}
