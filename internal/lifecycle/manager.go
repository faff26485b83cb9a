// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lifecycle drives the session state machine. A session moves
// through Unauthenticated -> Active -> Warned -> Expiring -> LoggedOut,
// bounded by two independent clocks: an idle timeout that user activity
// resets and an absolute ceiling that nothing resets. Both are enforced by
// armed one-shot timers and re-checked by a periodic sweep, so a missed
// timer after system sleep still terminates the session on schedule.
package lifecycle

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/sessionguard/internal/audit"
	"github.com/jeranaias/sessionguard/internal/bus"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/crosstab"
	"github.com/jeranaias/sessionguard/internal/store"
)

// =============================================================================
// STATES
// =============================================================================

// State is the session lifecycle state.
type State string

const (
	// StateUnauthenticated means no session exists yet.
	StateUnauthenticated State = "unauthenticated"
	// StateActive means the session is live and inside both limits.
	StateActive State = "active"
	// StateWarned means the idle deadline is close and the user has been
	// told; activity returns the session to Active.
	StateWarned State = "warned"
	// StateExpiring means a limit was hit and teardown is under way.
	StateExpiring State = "expiring"
	// StateLoggedOut is terminal for the session.
	StateLoggedOut State = "logged_out"
)

// Logout reasons.
const (
	ReasonUserInitiated = "user_initiated"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonMaxSession    = "max_session"
	ReasonRemoteLogout  = "remote_logout"
	ReasonSecurity      = "security_threat"
)

var (
	// ErrNoSession means the operation needs a live session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionExists means Begin was called while a session is live.
	ErrSessionExists = errors.New("session already active")
)

// =============================================================================
// MANAGER
// =============================================================================

// Broadcaster announces lifecycle transitions to peer instances. Satisfied
// by *crosstab.Channel; nil disables peer announcements.
type Broadcaster interface {
	Broadcast(msgType crosstab.MessageType, data any) error
}

// activityPayload is the cross-instance activity message body.
type activityPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Manager owns the session state machine for one process.
type Manager struct {
	mu       sync.Mutex
	cfg      config.SessionConfig
	store    *store.Store
	events   *bus.Bus
	auditLog *audit.Logger
	peers    Broadcaster

	state        State
	sessionID    string
	sessionStart time.Time
	lastActivity time.Time

	warnTimer     *time.Timer
	idleTimer     *time.Timer
	absoluteTimer *time.Timer
	sweepTicker   *time.Ticker
	sweepStop     chan struct{}

	// activityLimiter throttles cross-instance activity announcements;
	// every keystroke updating a shared file would be pure churn.
	activityLimiter *rate.Limiter
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBroadcaster wires cross-instance lifecycle announcements.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) {
		m.peers = b
	}
}

// New creates a lifecycle manager in the Unauthenticated state.
func New(cfg config.SessionConfig, tokens *store.Store, events *bus.Bus, auditLog *audit.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:             cfg,
		store:           tokens,
		events:          events,
		auditLog:        auditLog,
		state:           StateUnauthenticated,
		activityLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID reports the live session's identifier, empty when none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// StartedAt reports when the live session started, zero when none.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionStart
}

// LastActivity reports the most recent activity timestamp.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// IdleRemaining reports time left before the idle deadline, zero when no
// session is live.
func (m *Manager) IdleRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live() {
		return 0
	}
	remaining := time.Until(m.lastActivity.Add(m.cfg.IdleTimeout()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// live reports whether a session exists in a non-terminal state.
// Caller must hold mu.
func (m *Manager) live() bool {
	return m.state == StateActive || m.state == StateWarned
}

// =============================================================================
// SESSION START
// =============================================================================

// Begin starts a session from a stored token record, arming both clocks.
// Beginning over a live session is an error; beginning after logout starts
// a fresh session.
func (m *Manager) Begin(rec *store.TokenRecord) error {
	if rec == nil {
		return errors.New("nil token record")
	}

	m.mu.Lock()
	if m.live() {
		m.mu.Unlock()
		return ErrSessionExists
	}

	now := time.Now()
	m.state = StateActive
	m.sessionID = rec.SessionID
	m.sessionStart = now
	m.lastActivity = now
	m.armTimersLocked(now)
	m.startSweepLocked()
	sessionID := m.sessionID
	m.mu.Unlock()

	m.audit("session_begin", sessionID, true, "")
	return nil
}

// Resume starts a session recovered from persisted state, preserving the
// original start and activity clocks so restart does not extend either
// limit. The caller is responsible for having validated the state's age.
func (m *Manager) Resume(rec *store.TokenRecord, startedAt, lastActivity time.Time) error {
	if rec == nil {
		return errors.New("nil token record")
	}

	m.mu.Lock()
	if m.live() {
		m.mu.Unlock()
		return ErrSessionExists
	}

	now := time.Now()
	if startedAt.IsZero() || startedAt.After(now) {
		startedAt = now
	}
	if lastActivity.IsZero() || lastActivity.After(now) {
		lastActivity = now
	}

	m.state = StateActive
	m.sessionID = rec.SessionID
	m.sessionStart = startedAt
	m.lastActivity = lastActivity
	m.armTimersLocked(now)
	m.startSweepLocked()
	sessionID := m.sessionID
	m.mu.Unlock()

	// A recovered session may already be past a deadline; settle it now
	// instead of waiting for the sweep.
	m.sweep()

	m.audit("session_resume", sessionID, true, "")
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// RecordActivity notes user activity, resetting the idle clock. A session
// in the warned state returns to Active. The absolute ceiling is never
// extended. Activity is fanned out to peer instances, throttled.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	if !m.live() {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	if now.After(m.lastActivity) {
		m.lastActivity = now
	}
	wasWarned := m.state == StateWarned
	if wasWarned {
		m.state = StateActive
	}
	m.armIdleTimersLocked(now)
	announce := m.peers != nil && m.activityLimiter.Allow()
	m.mu.Unlock()

	if announce {
		_ = m.peers.Broadcast(crosstab.MessageActivity, activityPayload{Timestamp: now})
	}
}

// HandleTokenRenewal dismisses an idle warning after a successful token
// refresh. The idle clock is not touched; renewal is the coordinator's
// doing, not the user's, so the idle deadline still stands.
func (m *Manager) HandleTokenRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateWarned {
		m.state = StateActive
	}
}

// ApplyRemoteActivity merges an activity timestamp from a peer instance.
// Only strictly newer timestamps take effect, so message reordering cannot
// move the idle clock backwards.
func (m *Manager) ApplyRemoteActivity(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live() || !ts.After(m.lastActivity) {
		return
	}
	if now := time.Now(); ts.After(now) {
		ts = now
	}
	m.lastActivity = ts
	if m.state == StateWarned {
		m.state = StateActive
	}
	m.armIdleTimersLocked(time.Now())
}

// =============================================================================
// TIMERS AND SWEEP
// =============================================================================

// armTimersLocked arms the idle pair and the absolute ceiling.
// Caller must hold mu.
func (m *Manager) armTimersLocked(now time.Time) {
	m.armIdleTimersLocked(now)

	absoluteDeadline := m.sessionStart.Add(m.cfg.MaxSessionAge())
	if m.absoluteTimer != nil {
		m.absoluteTimer.Stop()
	}
	m.absoluteTimer = time.AfterFunc(time.Until(absoluteDeadline), func() {
		m.expire(ReasonMaxSession)
	})
}

// nearestDeadlineLocked returns the earlier of the idle and absolute
// deadlines; the warning lead counts down to whichever limit ends the
// session first. Caller must hold mu.
func (m *Manager) nearestDeadlineLocked() time.Time {
	idle := m.lastActivity.Add(m.cfg.IdleTimeout())
	absolute := m.sessionStart.Add(m.cfg.MaxSessionAge())
	if absolute.Before(idle) {
		return absolute
	}
	return idle
}

// armIdleTimersLocked (re)arms the warning and idle one-shots from the
// current activity clock. Caller must hold mu.
func (m *Manager) armIdleTimersLocked(now time.Time) {
	idleDeadline := m.lastActivity.Add(m.cfg.IdleTimeout())
	warnAt := m.nearestDeadlineLocked().Add(-m.cfg.WarningLead())

	if m.warnTimer != nil {
		m.warnTimer.Stop()
	}
	m.warnTimer = time.AfterFunc(warnAt.Sub(now), m.warn)

	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(idleDeadline.Sub(now), func() {
		m.expire(ReasonIdleTimeout)
	})
}

// startSweepLocked launches the periodic deadline re-check.
// Caller must hold mu.
func (m *Manager) startSweepLocked() {
	if m.sweepTicker != nil {
		return
	}
	m.sweepTicker = time.NewTicker(m.cfg.CheckInterval())
	m.sweepStop = make(chan struct{})
	ticker := m.sweepTicker
	stop := m.sweepStop
	go func() {
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// sweep re-evaluates both deadlines against the wall clock. Timers usually
// get there first; the sweep catches the cases where they cannot fire on
// time, like resuming from system sleep.
func (m *Manager) sweep() {
	m.mu.Lock()
	if !m.live() {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	idleDeadline := m.lastActivity.Add(m.cfg.IdleTimeout())
	absoluteDeadline := m.sessionStart.Add(m.cfg.MaxSessionAge())
	warnAt := m.nearestDeadlineLocked().Add(-m.cfg.WarningLead())
	shouldWarn := m.state == StateActive && !now.Before(warnAt)
	m.mu.Unlock()

	switch {
	case !now.Before(absoluteDeadline):
		m.expire(ReasonMaxSession)
	case !now.Before(idleDeadline):
		m.expire(ReasonIdleTimeout)
	case shouldWarn:
		m.warn()
	}
}

// warn moves an active session to Warned and tells listeners how long the
// user has to react, against whichever deadline is closer.
func (m *Manager) warn() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateWarned
	idle := m.lastActivity.Add(m.cfg.IdleTimeout())
	absolute := m.sessionStart.Add(m.cfg.MaxSessionAge())
	deadline, reason := idle, ReasonIdleTimeout
	if absolute.Before(idle) {
		deadline, reason = absolute, ReasonMaxSession
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.audit("session_warning", sessionID, true, "")
	m.events.Publish(bus.Event{
		Type:    bus.EventSessionWarning,
		Reason:  reason,
		Payload: remaining,
	})
}

// expire tears a session down after a deadline. The Expiring state is
// observable by listeners during cleanup before the terminal transition.
func (m *Manager) expire(reason string) {
	m.mu.Lock()
	if !m.live() {
		m.mu.Unlock()
		return
	}
	m.state = StateExpiring
	m.mu.Unlock()

	_ = m.logout(reason, true)
}

// =============================================================================
// LOGOUT
// =============================================================================

// Logout terminates the session. Idempotent: a second call on a terminated
// session is a no-op. Local cleanup (credentials cleared, timers stopped)
// completes before anything is announced, so a listener reacting to the
// logout event can never observe live credentials.
func (m *Manager) Logout(reason string) error {
	return m.logout(reason, true)
}

// HandlePeerMessage reacts to cross-instance messages: a peer's logout
// terminates this instance too (without re-broadcast), and peer activity
// feeds the shared idle clock.
func (m *Manager) HandlePeerMessage(env crosstab.Envelope) {
	switch env.Type {
	case crosstab.MessageLogout:
		_ = m.logout(ReasonRemoteLogout, false)
	case crosstab.MessageActivity:
		var p activityPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			m.ApplyRemoteActivity(p.Timestamp)
		}
	}
}

func (m *Manager) logout(reason string, announce bool) error {
	m.mu.Lock()
	if m.state == StateLoggedOut || m.state == StateUnauthenticated {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLoggedOut
	sessionID := m.sessionID
	m.sessionID = ""
	m.stopTimersLocked()
	m.mu.Unlock()

	// Cleanup before broadcast.
	if err := m.store.ClearToken(); err != nil {
		m.audit("session_logout", sessionID, false, err.Error())
	} else {
		m.audit("session_logout", sessionID, true, "")
	}

	m.events.Publish(bus.Event{Type: bus.EventSessionLogout, Reason: reason})
	if announce && m.peers != nil {
		_ = m.peers.Broadcast(crosstab.MessageLogout, map[string]string{"reason": reason})
	}
	return nil
}

// stopTimersLocked cancels every timer and the sweep. Caller must hold mu.
func (m *Manager) stopTimersLocked() {
	for _, t := range []*time.Timer{m.warnTimer, m.idleTimer, m.absoluteTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.warnTimer, m.idleTimer, m.absoluteTimer = nil, nil, nil
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
		m.sweepTicker = nil
		close(m.sweepStop)
		m.sweepStop = nil
	}
}

// Close releases timers without emitting logout events. For process
// shutdown where the session itself should survive into persisted state.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
}

func (m *Manager) audit(eventType, sessionID string, success bool, errMsg string) {
	if m.auditLog == nil {
		return
	}
	_ = m.auditLog.Log(audit.Event{
		EventType: eventType,
		SessionID: sessionID,
		Success:   success,
		Error:     errMsg,
	})
}
