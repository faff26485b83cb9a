// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/sessionguard/internal/audit"
	"github.com/jeranaias/sessionguard/internal/bus"
	"github.com/jeranaias/sessionguard/internal/config"
	"github.com/jeranaias/sessionguard/internal/crosstab"
	"github.com/jeranaias/sessionguard/internal/store"
)

// Short clocks so the suite runs in seconds. These structs bypass config
// validation on purpose; production floors do not apply to tests.
func shortConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeoutSecs:   2,
		MaxSessionSecs:    60,
		WarningLeadSecs:   1,
		CheckIntervalSecs: 1,
		MaxStateAgeSecs:   120,
	}
}

type recordingPeers struct {
	mu   sync.Mutex
	msgs []crosstab.MessageType
}

func (r *recordingPeers) Broadcast(t crosstab.MessageType, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, t)
	return nil
}

func (r *recordingPeers) count(t crosstab.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m == t {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, cfg config.SessionConfig, opts ...Option) (*Manager, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	events := bus.New()
	m := New(cfg, s, events, audit.NewNopLogger(), opts...)
	t.Cleanup(m.Close)
	return m, s, events
}

func testRecord() *store.TokenRecord {
	now := time.Now()
	return &store.TokenRecord{
		AccessToken:  "at_test",
		RefreshToken: "rt_test",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		SessionID:    "sess_1",
		UserID:       "user_1",
	}
}

func waitForState(t *testing.T, m *Manager, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q after %v", m.State(), want, within)
}

// =============================================================================
// BEGIN
// =============================================================================

func TestBegin(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())

	if m.State() != StateUnauthenticated {
		t.Fatalf("initial state = %q", m.State())
	}
	rec := testRecord()
	if err := m.Begin(rec); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if m.State() != StateActive {
		t.Errorf("state = %q, want active", m.State())
	}
	if m.SessionID() != "sess_1" {
		t.Errorf("SessionID = %q", m.SessionID())
	}

	if err := m.Begin(rec); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second Begin: got %v, want ErrSessionExists", err)
	}
}

// =============================================================================
// IDLE CLOCK
// =============================================================================

func TestIdleWarningThenExpiry(t *testing.T) {
	m, s, events := newTestManager(t, shortConfig())

	warned := make(chan time.Duration, 1)
	events.Subscribe(bus.EventSessionWarning, func(e bus.Event) {
		if remaining, ok := e.Payload.(time.Duration); ok {
			select {
			case warned <- remaining:
			default:
			}
		}
	})
	logout := make(chan string, 1)
	events.Subscribe(bus.EventSessionLogout, func(e bus.Event) {
		select {
		case logout <- e.Reason:
		default:
		}
	})

	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// Idle 2s, warning lead 1s: Warned at ~1s, terminated at ~2s.
	waitForState(t, m, StateWarned, 1500*time.Millisecond)
	select {
	case remaining := <-warned:
		if remaining <= 0 || remaining > 2*time.Second {
			t.Errorf("warning remaining = %v", remaining)
		}
	case <-time.After(time.Second):
		t.Fatal("no warning event")
	}

	waitForState(t, m, StateLoggedOut, 2*time.Second)
	select {
	case reason := <-logout:
		if reason != ReasonIdleTimeout {
			t.Errorf("logout reason = %q, want idle_timeout", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no logout event")
	}

	if _, err := s.LoadToken(); !errors.Is(err, store.ErrNoToken) {
		t.Errorf("credentials survived logout: %v", err)
	}
}

func TestActivityResetsIdleClock(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())
	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// Keep touching the session past the original 2s idle deadline.
	for i := 0; i < 5; i++ {
		time.Sleep(600 * time.Millisecond)
		m.RecordActivity()
	}

	if got := m.State(); got != StateActive {
		t.Errorf("state = %q after continuous activity, want active", got)
	}
}

func TestActivityDismissesWarning(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())
	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	waitForState(t, m, StateWarned, 1500*time.Millisecond)
	m.RecordActivity()
	if got := m.State(); got != StateActive {
		t.Errorf("state = %q after activity in warned state, want active", got)
	}
}

// =============================================================================
// ABSOLUTE CEILING
// =============================================================================

func TestAbsoluteCeilingIgnoresActivity(t *testing.T) {
	cfg := shortConfig()
	cfg.IdleTimeoutSecs = 60
	cfg.WarningLeadSecs = 30
	cfg.MaxSessionSecs = 1

	m, _, events := newTestManager(t, cfg)
	logout := make(chan string, 1)
	events.Subscribe(bus.EventSessionLogout, func(e bus.Event) {
		select {
		case logout <- e.Reason:
		default:
		}
	})

	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	stop := time.After(2 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			m.RecordActivity()
		case <-stop:
			break loop
		case reason := <-logout:
			if reason != ReasonMaxSession {
				t.Fatalf("logout reason = %q, want max_session", reason)
			}
			break loop
		}
	}

	if m.State() != StateLoggedOut {
		t.Errorf("state = %q, want logged_out despite activity", m.State())
	}
}

func TestWarningBeforeAbsoluteCeiling(t *testing.T) {
	cfg := shortConfig()
	cfg.IdleTimeoutSecs = 60
	cfg.MaxSessionSecs = 2
	cfg.WarningLeadSecs = 1

	m, _, events := newTestManager(t, cfg)
	warned := make(chan bus.Event, 1)
	events.Subscribe(bus.EventSessionWarning, func(e bus.Event) {
		select {
		case warned <- e:
		default:
		}
	})

	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// The idle deadline is a minute out; the warning must still arrive one
	// second ahead of the 2s ceiling.
	waitForState(t, m, StateWarned, 1500*time.Millisecond)
	select {
	case e := <-warned:
		if e.Reason != ReasonMaxSession {
			t.Errorf("warning reason = %q, want max_session", e.Reason)
		}
		if remaining, ok := e.Payload.(time.Duration); !ok || remaining <= 0 || remaining > 2*time.Second {
			t.Errorf("warning remaining = %v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no warning event")
	}

	waitForState(t, m, StateLoggedOut, 2*time.Second)
}

func TestTokenRenewalDismissesWarning(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())
	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	waitForState(t, m, StateWarned, 1500*time.Millisecond)
	m.HandleTokenRenewal()
	if got := m.State(); got != StateActive {
		t.Errorf("state = %q after token renewal in warned state, want active", got)
	}

	// Renewal is not activity; the untouched idle clock still ends the
	// session on schedule.
	waitForState(t, m, StateLoggedOut, 2*time.Second)
}

// =============================================================================
// LOGOUT
// =============================================================================

func TestLogoutIdempotent(t *testing.T) {
	peers := &recordingPeers{}
	m, _, events := newTestManager(t, shortConfig(), WithBroadcaster(peers))

	var logouts int
	var mu sync.Mutex
	events.Subscribe(bus.EventSessionLogout, func(bus.Event) {
		mu.Lock()
		logouts++
		mu.Unlock()
	})

	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Logout(ReasonUserInitiated); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := m.Logout(ReasonUserInitiated); err != nil {
		t.Errorf("second Logout failed: %v", err)
	}

	mu.Lock()
	got := logouts
	mu.Unlock()
	if got != 1 {
		t.Errorf("logout events = %d, want 1", got)
	}
	if peers.count(crosstab.MessageLogout) != 1 {
		t.Errorf("logout broadcasts = %d, want 1", peers.count(crosstab.MessageLogout))
	}
}

func TestPeerLogoutDoesNotRebroadcast(t *testing.T) {
	peers := &recordingPeers{}
	m, _, _ := newTestManager(t, shortConfig(), WithBroadcaster(peers))
	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	m.HandlePeerMessage(crosstab.Envelope{Type: crosstab.MessageLogout, TabID: "peer"})

	if m.State() != StateLoggedOut {
		t.Errorf("state = %q after peer logout", m.State())
	}
	if n := peers.count(crosstab.MessageLogout); n != 0 {
		t.Errorf("peer logout rebroadcast %d times", n)
	}
}

// =============================================================================
// REMOTE ACTIVITY
// =============================================================================

func TestApplyRemoteActivityMonotonic(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())
	if err := m.Begin(testRecord()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	before := m.LastActivity()

	// Older timestamps never rewind the idle clock.
	m.ApplyRemoteActivity(before.Add(-time.Minute))
	if !m.LastActivity().Equal(before) {
		t.Error("stale remote activity moved the clock")
	}

	newer := before.Add(500 * time.Millisecond)
	m.ApplyRemoteActivity(newer)
	if !m.LastActivity().Equal(newer) {
		t.Errorf("LastActivity = %v, want %v", m.LastActivity(), newer)
	}
}

// =============================================================================
// RESUME
// =============================================================================

func TestResumePreservesClocks(t *testing.T) {
	cfg := shortConfig()
	cfg.MaxSessionSecs = 3
	m, _, _ := newTestManager(t, cfg)

	startedAt := time.Now().Add(-2 * time.Second)
	if err := m.Resume(testRecord(), startedAt, time.Now()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %q after resume", m.State())
	}

	// Only ~1s of the 3s ceiling remains; restart must not extend it.
	waitForState(t, m, StateLoggedOut, 2500*time.Millisecond)
}

func TestResumePastDeadlineTerminatesImmediately(t *testing.T) {
	m, _, _ := newTestManager(t, shortConfig())

	stale := time.Now().Add(-time.Minute)
	if err := m.Resume(testRecord(), stale, stale); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	waitForState(t, m, StateLoggedOut, time.Second)
}
