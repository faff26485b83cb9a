// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// TokenFile is the sealed token record file under the state directory.
	TokenFile = "token.json"

	// RememberFile persists the remember-me flag.
	RememberFile = "remember_me.json"

	// ProfileFile persists the behavior profile.
	ProfileFile = "behavior_profile.json"

	// SessionStateFile holds the sealed session snapshot used for
	// recovery after restart.
	SessionStateFile = "session_state.json"

	// deviceSecretFile holds the per-device random secret the integrity key
	// is derived from.
	deviceSecretFile = "device.key"

	// sealSize is the HMAC-SHA256 tag length appended to sealed payloads.
	sealSize = sha256.Size

	// derivationIterations for PBKDF2. The input secret is already 256 bits
	// of randomness; the derivation only binds the key to its purpose label.
	derivationIterations = 4096
)

// purposeSalt binds the derived key to token sealing so the same device
// secret can safely serve other derivations later.
var purposeSalt = []byte("sessionguard/token-seal/v1")

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoToken indicates no token record is persisted.
	ErrNoToken = errors.New("no token record in store")

	// ErrStateTampered indicates the sealed payload failed HMAC verification
	// or is structurally impossible. Callers surface this as a tampering
	// signal rather than a plain load failure.
	ErrStateTampered = errors.New("token state integrity check failed")

	// ErrStaleToken indicates a save was rejected because the stored record
	// is newer. Two instances refreshing at once resolve by IssuedAt:
	// the newest mint wins and the loser keeps the stored record.
	ErrStaleToken = errors.New("stored token record is newer than the one being saved")

	// ErrNoState indicates the requested sealed blob is not persisted.
	ErrNoState = errors.New("no persisted state")
)

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeOp describes a mutation performed through the store API.
type ChangeOp string

const (
	// OpPut is a token record write.
	OpPut ChangeOp = "put"
	// OpClear is a token record removal.
	OpClear ChangeOp = "clear"
	// OpState is a sealed state blob write or removal.
	OpState ChangeOp = "state"
)

// ChangeListener observes store mutations. The threat engine registers one so
// it can tell API-driven writes apart from out-of-band file manipulation.
type ChangeListener func(op ChangeOp, sessionID string)

// =============================================================================
// STORE
// =============================================================================

// Store is the origin-scoped persistence abstraction. One instance per
// process, constructed at the composition root and injected everywhere.
type Store struct {
	mu        sync.RWMutex
	dir       string
	sealKey   []byte
	listeners []ChangeListener

	// cached is the last successfully loaded/saved record; avoids re-reading
	// the file on every consistency check.
	cached *TokenRecord
}

// Open creates a Store rooted at dir, creating the directory and the
// per-device secret on first use.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	secret, err := loadOrCreateDeviceSecret(filepath.Join(dir, deviceSecretFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		sealKey: pbkdf2.Key(secret, purposeSalt, derivationIterations, sealSize, sha256.New),
	}
	return s, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.dir
}

// TokenPath returns the sealed token file path, for the tamper watcher.
func (s *Store) TokenPath() string {
	return filepath.Join(s.dir, TokenFile)
}

// OnChange registers a listener for API-driven mutations.
func (s *Store) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// =============================================================================
// TOKEN RECORD OPERATIONS
// =============================================================================

// SaveToken seals and persists a token record.
// A record older (by IssuedAt) than the one already stored is rejected with
// ErrStaleToken so a slow refresh in one instance cannot clobber a newer
// token written by another.
func (s *Store) SaveToken(rec *TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("nil token record")
	}

	s.mu.Lock()

	existing, err := s.loadTokenLocked()
	if err == nil && existing != nil && existing.IssuedAt.After(rec.IssuedAt) {
		s.mu.Unlock()
		return ErrStaleToken
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to encode token record: %w", err)
	}

	payload := s.sealLocked(data)
	if err := util.AtomicWriteFile(s.TokenPath(), payload, 0600); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write token record: %w", err)
	}

	s.cached = rec.Clone()
	listeners := append([]ChangeListener(nil), s.listeners...)
	sessionID := rec.SessionID
	s.mu.Unlock()

	for _, l := range listeners {
		l(OpPut, sessionID)
	}
	return nil
}

// LoadToken reads, verifies and decodes the persisted token record.
// Returns ErrNoToken when absent and ErrStateTampered when the seal does not
// verify.
func (s *Store) LoadToken() (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadTokenLocked()
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// loadTokenLocked reads the sealed file (caller must hold lock).
func (s *Store) loadTokenLocked() (*TokenRecord, error) {
	payload, err := os.ReadFile(s.TokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.cached = nil
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}

	data, err := s.unsealLocked(payload)
	if err != nil {
		return nil, err
	}

	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Verified seal but broken JSON means the sealed content itself was
		// produced corrupt, treat as tampering.
		return nil, fmt.Errorf("%w: %v", ErrStateTampered, err)
	}

	s.cached = rec.Clone()
	return &rec, nil
}

// CurrentSessionID returns the session id of the stored record, or "".
// Serves the cross-field consistency check during restore.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	if s.cached != nil {
		id := s.cached.SessionID
		s.mu.RUnlock()
		return id
	}
	s.mu.RUnlock()

	rec, err := s.LoadToken()
	if err != nil {
		return ""
	}
	return rec.SessionID
}

// ClearToken removes the persisted token record. Clearing an empty store is
// a no-op, keeping logout idempotent.
func (s *Store) ClearToken() error {
	s.mu.Lock()

	sessionID := ""
	if s.cached != nil {
		sessionID = s.cached.SessionID
	}
	s.cached = nil

	err := os.Remove(s.TokenPath())
	if err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("failed to clear token record: %w", err)
	}

	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(OpClear, sessionID)
	}
	return nil
}

// =============================================================================
// REMEMBER-ME AND PROFILE KEYS
// =============================================================================

// rememberPayload is the JSON shape of the remember-me file.
type rememberPayload struct {
	RememberMe bool      `json:"remember_me"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetRememberMe persists the remember-me flag.
func (s *Store) SetRememberMe(remember bool) error {
	data, err := json.Marshal(rememberPayload{RememberMe: remember, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode remember-me flag: %w", err)
	}
	if err := util.AtomicWriteFile(filepath.Join(s.dir, RememberFile), data, 0600); err != nil {
		return fmt.Errorf("failed to write remember-me flag: %w", err)
	}
	return nil
}

// RememberMe reads the persisted remember-me flag; absent means false.
func (s *Store) RememberMe() bool {
	data, err := os.ReadFile(filepath.Join(s.dir, RememberFile))
	if err != nil {
		return false
	}
	var p rememberPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.RememberMe
}

// SaveProfile persists the behavior profile bytes on behalf of the threat
// engine. The profile only biases confidence scoring, so it is stored plain.
func (s *Store) SaveProfile(data []byte) error {
	if err := util.AtomicWriteFile(filepath.Join(s.dir, ProfileFile), data, 0600); err != nil {
		return fmt.Errorf("failed to write behavior profile: %w", err)
	}
	return nil
}

// =============================================================================
// SEALED BLOBS
// =============================================================================

// SaveSealed persists an arbitrary blob under name with the same HMAC seal
// as the token record. Used for session snapshots, whose timestamps would
// otherwise be an easy target for extending a session by hand.
// Announced through the change listeners like every other API mutation, so
// the tamper watcher does not mistake our own snapshot writes for
// manipulation.
func (s *Store) SaveSealed(name string, data []byte) error {
	s.mu.Lock()
	payload := s.sealLocked(data)
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(OpState, "")
	}
	if err := util.AtomicWriteFile(filepath.Join(s.dir, name), payload, 0600); err != nil {
		return fmt.Errorf("failed to write sealed state %s: %w", name, err)
	}
	return nil
}

// LoadSealed reads and verifies a sealed blob. Returns ErrNoState when
// absent and ErrStateTampered when the seal does not verify.
func (s *Store) LoadSealed(name string) ([]byte, error) {
	payload, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to read sealed state %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsealLocked(payload)
}

// RemoveSealed deletes a sealed blob. Removing an absent blob is a no-op.
func (s *Store) RemoveSealed(name string) error {
	s.mu.Lock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(OpState, "")
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sealed state %s: %w", name, err)
	}
	return nil
}

// LoadProfile reads the persisted behavior profile, nil when absent.
func (s *Store) LoadProfile() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ProfileFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read behavior profile: %w", err)
	}
	return data, nil
}

// =============================================================================
// SEALING
// =============================================================================

// sealLocked appends an HMAC-SHA256 tag over data.
func (s *Store) sealLocked(data []byte) []byte {
	mac := hmac.New(sha256.New, s.sealKey)
	mac.Write(data)
	return append(data, mac.Sum(nil)...)
}

// unsealLocked verifies and strips the trailing tag.
func (s *Store) unsealLocked(payload []byte) ([]byte, error) {
	if len(payload) < sealSize {
		return nil, ErrStateTampered
	}
	data := payload[:len(payload)-sealSize]
	tag := payload[len(payload)-sealSize:]

	mac := hmac.New(sha256.New, s.sealKey)
	mac.Write(data)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrStateTampered
	}
	return data, nil
}

// loadOrCreateDeviceSecret reads the device secret, generating it on first
// use. The secret never leaves this machine.
func loadOrCreateDeviceSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) == 32 {
		return secret, nil
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate device secret: %w", err)
	}
	if err := util.AtomicWriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist device secret: %w", err)
	}
	return secret, nil
}
