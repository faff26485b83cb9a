// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package threat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/sessionguard/internal/store"
)

// =============================================================================
// STORAGE MONITOR
// =============================================================================

// apiOpGrace is how long after a legitimate store mutation a matching file
// event is expected. File events outside this window came from something
// other than the store API.
const apiOpGrace = 2 * time.Second

// watchedFiles are the state files whose out-of-band modification is a
// storage manipulation signal.
var watchedFiles = map[string]bool{
	store.TokenFile:        true,
	store.SessionStateFile: true,
}

// StoreMonitor watches the state directory for modifications that bypassed
// the store API. The store announces its own mutations through a change
// listener; any watched-file event not shadowed by a recent announcement is
// reported.
type StoreMonitor struct {
	mu        sync.Mutex
	store     *store.Store
	report    func(Signal)
	watcher   *fsnotify.Watcher
	lastAPIOp time.Time
	done      chan struct{}
	started   bool
}

// NewStoreMonitor creates a monitor that feeds signals into report.
func NewStoreMonitor(s *store.Store, report func(Signal)) *StoreMonitor {
	return &StoreMonitor{
		store:  s,
		report: report,
		done:   make(chan struct{}),
	}
}

// Start registers the change listener and begins watching the directory.
func (m *StoreMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.store.OnChange(func(store.ChangeOp, string) {
		m.mu.Lock()
		m.lastAPIOp = time.Now()
		m.mu.Unlock()
	})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}
	if err := watcher.Add(m.store.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch state directory: %w", err)
	}
	m.watcher = watcher
	m.started = true

	go m.run(ctx)
	return nil
}

// Close stops the watcher.
func (m *StoreMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.done)
	return m.watcher.Close()
}

func (m *StoreMonitor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.inspect(event)
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// inspect classifies one file event. Writes and removals of watched files
// that no API call accounts for are manipulation.
func (m *StoreMonitor) inspect(event fsnotify.Event) {
	if !watchedFiles[filepath.Base(event.Name)] {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	m.mu.Lock()
	legitimate := time.Since(m.lastAPIOp) < apiOpGrace
	m.mu.Unlock()
	if legitimate {
		return
	}

	m.report(Signal{
		Type: TypeStorageManipulation,
		Details: map[string]string{
			"file": filepath.Base(event.Name),
			"op":   event.Op.String(),
		},
	})
}

// =============================================================================
// TOKEN REVALIDATION
// =============================================================================

// Revalidator periodically re-reads the stored token and checks it is still
// the one the session is bound to. A seal failure is tampering; a session
// identifier swap under a live session is hijacking.
type Revalidator struct {
	store    *store.Store
	report   func(Signal)
	interval time.Duration

	mu             sync.Mutex
	boundSessionID string
	refreshing     bool
}

// NewRevalidator creates a revalidator.
func NewRevalidator(s *store.Store, interval time.Duration, report func(Signal)) *Revalidator {
	return &Revalidator{
		store:    s,
		report:   report,
		interval: interval,
	}
}

// Bind sets the session identifier the stored token must keep matching.
func (r *Revalidator) Bind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundSessionID = sessionID
}

// ExpectRotation marks the next session identifier change as legitimate,
// for token refreshes that mint a new session.
func (r *Revalidator) ExpectRotation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshing = true
}

// Start runs the revalidation loop until ctx is cancelled.
func (r *Revalidator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.check()
			}
		}
	}()
}

func (r *Revalidator) check() {
	r.mu.Lock()
	bound := r.boundSessionID
	refreshing := r.refreshing
	r.mu.Unlock()
	if bound == "" {
		return
	}

	rec, err := r.store.LoadToken()
	if err != nil {
		if errors.Is(err, store.ErrStateTampered) {
			r.report(Signal{
				Type:    TypeTokenTampering,
				Details: map[string]string{"check": "revalidation"},
			})
		}
		// ErrNoToken here means logout raced the ticker; nothing to do.
		return
	}

	if rec.SessionID != bound {
		if refreshing {
			// The rotation we were told to expect.
			r.mu.Lock()
			r.boundSessionID = rec.SessionID
			r.refreshing = false
			r.mu.Unlock()
			return
		}
		r.report(Signal{
			Type: TypeSessionHijacking,
			Details: map[string]string{
				"bound_session": bound,
				"found_session": rec.SessionID,
			},
		})
	}
}
