// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package facade assembles the session guard: store, refresh coordinator,
// lifecycle manager, state recovery, threat engine and cross-instance
// channel, wired together behind one type. Embedding applications talk to
// the Guard and nothing else.
package facade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/audit"
	"github.com/jeranaias/sessionguard/internal/bus"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/crosstab"
	"github.com/jeranaias/sessionguard/internal/lifecycle"
	"github.com/jeranaias/sessionguard/internal/refresh"
	"github.com/jeranaias/sessionguard/internal/state"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/threat"
)

// journalFile is the threat journal database under the state directory.
const journalFile = "threats.db"

// snapshotInterval is how often a live session's state is persisted.
const snapshotInterval = 30 * time.Second

// =============================================================================
// GUARD
// =============================================================================

// Guard is the assembled session security facade.
type Guard struct {
	cfg      *config.Config
	events   *bus.Bus
	store    *store.Store
	auditLog *audit.Logger
	channel  *crosstab.Channel
	refresh  *refresh.Coordinator
	sessions *lifecycle.Manager
	state    *state.Manager
	threats  *threat.Engine
	journal  *threat.Journal

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New assembles a guard from configuration. Nothing is watching or ticking
// until Start.
func New(cfg *config.Config) (*Guard, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	tokens, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	auditLog := audit.NewNopLogger()
	if cfg.Audit.Enabled {
		path := cfg.Audit.LogPath
		if path == "" {
			path = filepath.Join(cfg.StateDir, "audit.log")
		}
		auditLog, err = audit.NewLogger(path, audit.WithMaxFileSize(int64(cfg.Audit.MaxFileSizeMB)<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	events := bus.New()

	channel, err := crosstab.New(cfg.StateDir)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to open sync channel: %w", err)
	}

	journal, err := threat.OpenJournal(
		filepath.Join(cfg.StateDir, journalFile),
		cfg.Threat.JournalRetention(),
		cfg.Threat.JournalMaxEvents,
	)
	if err != nil {
		channel.Close()
		auditLog.Close()
		return nil, fmt.Errorf("failed to open threat journal: %w", err)
	}

	sessions := lifecycle.New(cfg.Session, tokens, events, auditLog,
		lifecycle.WithBroadcaster(channel))

	fingerprint := state.Collect()
	threats, err := threat.New(cfg.Threat, tokens, events, auditLog,
		threat.WithJournal(journal),
		threat.WithFingerprint(fingerprint.Hash),
		threat.WithActionHandler(func(reason string) {
			_ = sessions.Logout(lifecycle.ReasonSecurity)
		}),
	)
	if err != nil {
		journal.Close()
		channel.Close()
		auditLog.Close()
		return nil, fmt.Errorf("failed to build threat engine: %w", err)
	}

	coordinator := refresh.New(cfg.Refresh, tokens, events, auditLog,
		refresh.WithBroadcaster(channel),
		refresh.WithRotationHook(threats.ExpectRotation),
	)

	stateMgr := state.New(cfg.Session, tokens, sessions, auditLog,
		state.WithRefresher(coordinator),
		state.WithThreatReporter(threats),
		state.WithStrictFingerprint(cfg.Threat.StrictFingerprint),
	)

	g := &Guard{
		cfg:      cfg,
		events:   events,
		store:    tokens,
		auditLog: auditLog,
		channel:  channel,
		refresh:  coordinator,
		sessions: sessions,
		state:    stateMgr,
		threats:  threats,
		journal:  journal,
	}
	g.wire()
	return g, nil
}

// wire connects the components' event flows.
func (g *Guard) wire() {
	g.channel.OnMessage(func(env crosstab.Envelope) {
		g.sessions.HandlePeerMessage(env)
		if env.Type == crosstab.MessageTokenRefreshed {
			// A peer rotated the token; accept the new identity.
			g.threats.ExpectRotation()
		}
	})

	g.events.Subscribe(bus.EventSessionLogout, func(bus.Event) {
		g.threats.EndSession()
		_ = g.state.Save() // removes the snapshot
	})

	g.events.Subscribe(bus.EventTokenRefreshed, func(bus.Event) {
		// A fresh token dismisses any pending expiry warning.
		g.sessions.HandleTokenRenewal()
		if rec, err := g.store.LoadToken(); err == nil {
			g.refresh.ScheduleProactive(rec.ExpiresAt)
		}
	})
}

// =============================================================================
// LIFECYCLE SURFACE
// =============================================================================

// Start begins watching: cross-instance messages, state-directory tampering
// and periodic snapshots. Idempotent.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := g.channel.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := g.threats.Start(runCtx); err != nil {
		cancel()
		return err
	}

	go g.snapshotLoop(runCtx)

	g.cancel = cancel
	g.started = true
	return nil
}

// snapshotLoop persists the live session periodically so a crash loses at
// most one interval of clock movement.
func (g *Guard) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = g.state.Save()
		}
	}
}

// Login establishes a session from a freshly-issued token record.
func (g *Guard) Login(rec *store.TokenRecord) error {
	if rec == nil {
		return errors.New("nil token record")
	}
	if err := rec.Validate(time.Now()); err != nil {
		return fmt.Errorf("rejecting login token: %w", err)
	}
	if err := g.store.SaveToken(rec); err != nil {
		return fmt.Errorf("failed to persist login token: %w", err)
	}
	_ = g.store.SetRememberMe(g.cfg.Session.RememberMe)
	if err := g.sessions.Begin(rec); err != nil {
		return err
	}

	g.threats.BindSession(rec.SessionID)
	g.refresh.ScheduleProactive(rec.ExpiresAt)
	_ = g.state.Save()
	return nil
}

// Restore recovers a persisted session after restart. Returns
// state.ErrNothingToRestore when there is nothing to recover, including a
// session-only login (remember-me off) whose leftovers are wiped instead.
func (g *Guard) Restore(ctx context.Context) error {
	if !g.store.RememberMe() {
		_ = g.store.ClearToken()
		_ = g.store.RemoveSealed(store.SessionStateFile)
		return state.ErrNothingToRestore
	}
	if err := g.state.Restore(ctx); err != nil {
		return err
	}

	rec, err := g.store.LoadToken()
	if err != nil {
		return err
	}
	g.threats.BindSession(rec.SessionID)
	g.refresh.ScheduleProactive(rec.ExpiresAt)
	return nil
}

// Logout terminates the session everywhere. Idempotent.
func (g *Guard) Logout() error {
	return g.sessions.Logout(lifecycle.ReasonUserInitiated)
}

// RecordActivity notes user activity for the idle clock and the behavior
// profile.
func (g *Guard) RecordActivity() {
	now := time.Now()
	g.sessions.RecordActivity()
	g.threats.RecordInteraction(now)
}

// Refresh renews the access token on demand.
func (g *Guard) Refresh(ctx context.Context) (bool, error) {
	return g.refresh.Refresh(ctx)
}

// InspectRequest runs the request-level threat checks.
func (g *Guard) InspectRequest(req threat.RequestInfo) []threat.Event {
	return g.threats.InspectRequest(req)
}

// SessionState reports the lifecycle state.
func (g *Guard) SessionState() lifecycle.State {
	return g.sessions.State()
}

// SessionID reports the live session identifier, empty when none.
func (g *Guard) SessionID() string {
	return g.sessions.SessionID()
}

// OnEvent subscribes to guard events; the returned function unsubscribes.
func (g *Guard) OnEvent(t bus.EventType, h bus.Handler) func() {
	return g.events.Subscribe(t, h)
}

// Feedback marks a threat event as a false positive (or confirms it),
// tuning the adaptive engine.
func (g *Guard) Feedback(t threat.Type, falsePositive bool) {
	g.threats.Feedback(t, falsePositive)
}

// Close persists state and releases every component. Safe to call twice.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancel
	g.mu.Unlock()

	_ = g.state.Save()
	if cancel != nil {
		cancel()
	}

	g.sessions.Close()
	g.refresh.Close()
	var firstErr error
	for _, closer := range []func() error{
		g.threats.Close,
		g.channel.Close,
		g.journal.Close,
		g.auditLog.Close,
	} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
