// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sessionguard/internal/store"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *signalRecorder) record(sig Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *signalRecorder) ofType(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sig := range r.signals {
		if sig.Type == t {
			n++
		}
	}
	return n
}

func (r *signalRecorder) waitFor(t *testing.T, typ Type, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if r.ofType(typ) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s signal within %v", typ, within)
}

func seedStoreToken(t *testing.T, s *store.Store, sessionID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, s.SaveToken(&store.TokenRecord{
		AccessToken:  "at_test",
		RefreshToken: "rt_test",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		SessionID:    sessionID,
	}))
}

// =============================================================================
// STORE MONITOR
// =============================================================================

func TestStoreMonitor_OutOfBandWriteFlagged(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := &signalRecorder{}
	m := NewStoreMonitor(s, rec.record)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	// Write to token.json behind the store's back.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), store.TokenFile), []byte("forged"), 0600))

	rec.waitFor(t, TypeStorageManipulation, 3*time.Second)
}

func TestStoreMonitor_APIWritesNotFlagged(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := &signalRecorder{}
	m := NewStoreMonitor(s, rec.record)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	seedStoreToken(t, s, "sess_1")
	require.NoError(t, s.ClearToken())

	// Give the watcher time to deliver whatever it is going to deliver.
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rec.ofType(TypeStorageManipulation), "API mutations flagged as manipulation")
}

func TestStoreMonitor_SnapshotSaveNotFlagged(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := &signalRecorder{}
	m := NewStoreMonitor(s, rec.record)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	// The periodic snapshot loop writes and removes session_state.json
	// through the store API. Neither may look like manipulation.
	require.NoError(t, s.SaveSealed(store.SessionStateFile, []byte(`{"session_id":"sess_1"}`)))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, s.RemoveSealed(store.SessionStateFile))

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rec.ofType(TypeStorageManipulation), "snapshot save reported as threat")
}

func TestStoreMonitor_UnrelatedFilesIgnored(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := &signalRecorder{}
	m := NewStoreMonitor(s, rec.record)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("hi"), 0600))

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rec.ofType(TypeStorageManipulation))
}

// =============================================================================
// REVALIDATOR
// =============================================================================

func TestRevalidator_DetectsTampering(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	seedStoreToken(t, s, "sess_1")

	rec := &signalRecorder{}
	r := NewRevalidator(s, 20*time.Millisecond, rec.record)
	r.Bind("sess_1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// Corrupt the sealed token under the ticker.
	path := filepath.Join(s.Dir(), store.TokenFile)
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	payload[3] ^= 0xFF
	require.NoError(t, os.WriteFile(path, payload, 0600))

	rec.waitFor(t, TypeTokenTampering, 2*time.Second)
}

func TestRevalidator_DetectsSessionSwap(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	seedStoreToken(t, s, "sess_1")

	rec := &signalRecorder{}
	r := NewRevalidator(s, 20*time.Millisecond, rec.record)
	r.Bind("sess_1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// A different session's token appears in the store without a refresh
	// announcement.
	now := time.Now()
	require.NoError(t, s.SaveToken(&store.TokenRecord{
		AccessToken:  "at_other",
		RefreshToken: "rt_other",
		IssuedAt:     now.Add(time.Second),
		ExpiresAt:    now.Add(time.Hour),
		SessionID:    "sess_stolen",
	}))

	rec.waitFor(t, TypeSessionHijacking, 2*time.Second)
}

func TestRevalidator_ExpectedRotationAccepted(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	seedStoreToken(t, s, "sess_1")

	rec := &signalRecorder{}
	r := NewRevalidator(s, 20*time.Millisecond, rec.record)
	r.Bind("sess_1")
	r.ExpectRotation()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	now := time.Now()
	require.NoError(t, s.SaveToken(&store.TokenRecord{
		AccessToken:  "at_new",
		RefreshToken: "rt_new",
		IssuedAt:     now.Add(time.Second),
		ExpiresAt:    now.Add(time.Hour),
		SessionID:    "sess_2",
	}))

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rec.ofType(TypeSessionHijacking), "expected rotation flagged as hijacking")
}

func TestRevalidator_IdleWithoutSessionDoesNothing(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	rec := &signalRecorder{}
	r := NewRevalidator(s, 20*time.Millisecond, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	rec.mu.Lock()
	n := len(rec.signals)
	rec.mu.Unlock()
	assert.Zero(t, n)
}
