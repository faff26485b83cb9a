// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxFileSize is the default max file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// =============================================================================
// AUDIT EVENT
// =============================================================================

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	TabID     string            `json:"tab_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToJSON formats the event as a single JSON line.
func (e *Event) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// =============================================================================
// REDACTION
// =============================================================================

// Redactor defines the interface for secret redaction.
type Redactor interface {
	// Redact replaces sensitive data in the input string.
	Redact(input string) string
	// Name returns the name of this redactor.
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// secretPatterns covers the credential shapes that flow through this engine:
// bearer headers, JWTs and opaque refresh tokens in form bodies.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
	{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
	{"RefreshToken", regexp.MustCompile(`(?i)refresh_token\s*[=:]\s*[^&\s"]+`), "refresh_token=[REDACTED]"},
	{"AccessToken", regexp.MustCompile(`(?i)access_token\s*[=:]\s*[^&\s"]+`), "access_token=[REDACTED]"},
	{"Password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
}

// defaultRedactors returns the default set of secret redactors.
func defaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// Logger provides thread-safe audit logging with secret redaction.
type Logger struct {
	path      string
	file      *os.File
	mu        sync.Mutex
	enabled   bool
	maxSize   int64
	redactors []Redactor

	// failureCount tracks consecutive write failures for stderr alerting.
	failureCount int
}

// Option is a functional option for configuring a Logger.
type Option func(*Logger)

// WithMaxFileSize sets the rotation threshold in bytes.
func WithMaxFileSize(size int64) Option {
	return func(l *Logger) {
		if size > 0 {
			l.maxSize = size
		}
	}
}

// WithRedactor appends an additional redactor to the default set.
func WithRedactor(r Redactor) Option {
	return func(l *Logger) {
		l.redactors = append(l.redactors, r)
	}
}

// NewLogger creates a new audit logger at the specified path.
func NewLogger(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	l := &Logger{
		path:      path,
		file:      file,
		enabled:   true,
		maxSize:   DefaultMaxFileSize,
		redactors: defaultRedactors(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewNopLogger returns a disabled logger for tests and monitoring-off mode.
func NewNopLogger() *Logger {
	return &Logger{enabled: false}
}

// Log writes an audit event to the log file as one JSON line.
// Sensitive values in the error message and metadata are redacted first.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// SECURITY: Redact before anything touches disk.
	if event.Error != "" {
		event.Error = l.redactLocked(event.Error)
	}
	if event.Metadata != nil {
		redacted := make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			redacted[k] = l.redactLocked(v)
		}
		event.Metadata = redacted
	}

	if err := l.checkRotationLocked(); err != nil {
		// Rotation failure is reported but the write is still attempted;
		// losing rotation is better than losing the event.
		fmt.Fprintf(os.Stderr, "AUDIT ERROR: rotation failed: %v\n", err)
	}

	line, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	if _, err := fmt.Fprintln(l.file, line); err != nil {
		l.failureCount++
		fmt.Fprintf(os.Stderr, "AUDIT ERROR (#%d): failed to write audit log: %v\n", l.failureCount, err)
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	// RELIABILITY: fsync so the trail survives a crash right after the event.
	if err := l.file.Sync(); err != nil {
		l.failureCount++
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	l.failureCount = 0
	return nil
}

// redactLocked applies all redactors (caller must hold lock).
func (l *Logger) redactLocked(s string) string {
	for _, r := range l.redactors {
		s = r.Redact(s)
	}
	return s
}

// checkRotationLocked rotates the log file if it exceeds maxSize.
func (l *Logger) checkRotationLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	rotated := l.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	l.file = file
	return nil
}

// IsEnabled returns whether the logger is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled turns logging on or off.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
