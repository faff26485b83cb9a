// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package state persists session snapshots and recovers them after restart.
// Recovery is deliberately suspicious: a snapshot is only honored when it is
// young enough, matches the stored token's session, and was taken on a
// machine with the same fingerprint. Anything else is discarded and the
// user re-authenticates.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/audit"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/lifecycle"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/threat"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNothingToRestore means no token or snapshot is persisted.
	ErrNothingToRestore = errors.New("nothing to restore")

	// ErrSnapshotExpired means the snapshot exceeded the maximum state age.
	ErrSnapshotExpired = errors.New("persisted session snapshot expired")

	// ErrFingerprintMismatch means the snapshot was taken on what looks
	// like a different machine.
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")

	// ErrSessionMismatch means the snapshot and the stored token disagree
	// about which session they belong to.
	ErrSessionMismatch = errors.New("snapshot does not match stored session")

	// ErrAlreadyRestored means Restore was already attempted; timers are
	// armed at most once per process.
	ErrAlreadyRestored = errors.New("restore already performed")
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the persisted shape of a live session.
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Fingerprint  string    `json:"fingerprint"`
	SavedAt      time.Time `json:"saved_at"`
}

// Refresher renews the access token when the recovered one is stale.
// Satisfied by *refresh.Coordinator; nil skips renewal.
type Refresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// ThreatReporter surfaces recovery anomalies as scored threat signals.
// Satisfied by *threat.Engine; nil keeps the audit-only trail.
type ThreatReporter interface {
	Report(sig threat.Signal) (threat.Event, bool)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager saves and restores session snapshots.
type Manager struct {
	mu       sync.Mutex
	cfg      config.SessionConfig
	strict   bool
	store    *store.Store
	sessions *lifecycle.Manager
	renewer  Refresher
	threats  ThreatReporter
	auditLog *audit.Logger
	fp       Fingerprint
	restored bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRefresher wires token renewal into recovery.
func WithRefresher(r Refresher) Option {
	return func(m *Manager) {
		m.renewer = r
	}
}

// WithThreatReporter wires recovery anomalies into the threat engine.
func WithThreatReporter(r ThreatReporter) Option {
	return func(m *Manager) {
		m.threats = r
	}
}

// WithStrictFingerprint makes any fingerprint mismatch fatal to recovery.
// The lenient default reports the drift as a threat signal and restores
// anyway.
func WithStrictFingerprint(strict bool) Option {
	return func(m *Manager) {
		m.strict = strict
	}
}

// New creates a state manager. The device fingerprint is collected once at
// construction.
func New(cfg config.SessionConfig, tokens *store.Store, sessions *lifecycle.Manager, auditLog *audit.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    tokens,
		sessions: sessions,
		auditLog: auditLog,
		fp:       Collect(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fingerprint reports the fingerprint this manager binds snapshots to.
func (m *Manager) Fingerprint() Fingerprint {
	return m.fp
}

// =============================================================================
// SAVE
// =============================================================================

// Save snapshots the live session. Saving with no live session removes any
// stale snapshot instead, so a logged-out process never leaves a
// restorable file behind.
func (m *Manager) Save() error {
	st := m.sessions.State()
	if st != lifecycle.StateActive && st != lifecycle.StateWarned {
		return m.store.RemoveSealed(store.SessionStateFile)
	}

	snap := Snapshot{
		SessionID:    m.sessions.SessionID(),
		StartedAt:    m.sessions.StartedAt(),
		LastActivity: m.sessions.LastActivity(),
		Fingerprint:  m.fp.Hash,
		SavedAt:      time.Now(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	return m.store.SaveSealed(store.SessionStateFile, data)
}

// =============================================================================
// RESTORE
// =============================================================================

// Restore recovers a session from persisted state. At most one restore per
// process; repeated calls return ErrAlreadyRestored so timers can never be
// armed twice. On any validation failure the persisted state is discarded
// and the error describes why.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if m.restored {
		m.mu.Unlock()
		return ErrAlreadyRestored
	}
	m.restored = true
	m.mu.Unlock()

	rec, err := m.store.LoadToken()
	if err != nil {
		if errors.Is(err, store.ErrNoToken) {
			_ = m.store.RemoveSealed(store.SessionStateFile)
			return ErrNothingToRestore
		}
		// Tampered token state is cleared outright.
		m.discard("state_restore", err)
		return fmt.Errorf("restore failed: %w", err)
	}

	snap, err := m.loadSnapshot()
	if err != nil {
		m.discard("state_restore", err)
		return err
	}

	if err := m.validate(snap, rec); err != nil {
		m.discard("state_restore", err)
		return err
	}

	// A token past (or near) expiry gets one renewal attempt before the
	// session resumes.
	if rec.Validate(time.Now()) != nil {
		if m.renewer == nil {
			m.discard("state_restore", errors.New("recovered token expired"))
			return ErrNothingToRestore
		}
		if _, err := m.renewer.Refresh(ctx); err != nil {
			m.discard("state_restore", err)
			return fmt.Errorf("recovered token could not be renewed: %w", err)
		}
		if rec, err = m.store.LoadToken(); err != nil {
			return fmt.Errorf("restore failed after renewal: %w", err)
		}
	}

	if err := m.sessions.Resume(rec, snap.StartedAt, snap.LastActivity); err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}

	m.audit("state_restore", snap.SessionID, true, "")
	return nil
}

// loadSnapshot reads the persisted snapshot. A token without a snapshot
// restores with fresh clocks rather than failing; the synthesized snapshot
// carries the current fingerprint and passes validation by construction.
func (m *Manager) loadSnapshot() (*Snapshot, error) {
	data, err := m.store.LoadSealed(store.SessionStateFile)
	if err != nil {
		if errors.Is(err, store.ErrNoState) {
			now := time.Now()
			return &Snapshot{
				SessionID:    m.store.CurrentSessionID(),
				StartedAt:    now,
				LastActivity: now,
				Fingerprint:  m.fp.Hash,
				SavedAt:      now,
			}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStateTampered, err)
	}
	return &snap, nil
}

// validate applies the recovery checks: session age, session identity and
// device fingerprint.
func (m *Manager) validate(snap *Snapshot, rec *store.TokenRecord) error {
	if age := time.Since(snap.StartedAt); age > m.cfg.MaxStateAge() {
		return fmt.Errorf("%w: session started %s ago", ErrSnapshotExpired, age.Round(time.Second))
	}
	if snap.SessionID != rec.SessionID {
		return ErrSessionMismatch
	}
	if snap.Fingerprint != m.fp.Hash {
		if m.strict {
			return ErrFingerprintMismatch
		}
		// Lenient mode tolerates a changed environment (hostname or
		// timezone drift is common on laptops) but leaves a trail: an
		// audit entry plus a scored anomaly the risk report will carry.
		m.audit("fingerprint_drift", rec.SessionID, false, "snapshot fingerprint differs from current device")
		if m.threats != nil {
			m.threats.Report(threat.Signal{
				Type: threat.TypeBehavioralAnomaly,
				Details: map[string]string{
					"check":   "fingerprint_drift",
					"session": rec.SessionID,
				},
			})
		}
	}
	return nil
}

// discard wipes persisted session state after a failed restore.
func (m *Manager) discard(op string, cause error) {
	_ = m.store.ClearToken()
	_ = m.store.RemoveSealed(store.SessionStateFile)
	m.audit(op, "", false, cause.Error())
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
