// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete sessionguard configuration.
type Config struct {
	// Version of the configuration schema.
	Version string `toml:"version" json:"version"`

	// StateDir is the origin-scoped state directory shared by all instances
	// of one installation. Default: ~/.sessionguard
	StateDir string `toml:"state_dir" json:"state_dir"`

	// Session holds lifecycle timer configuration.
	Session SessionConfig `toml:"session" json:"session"`

	// Refresh holds token refresh coordinator configuration.
	Refresh RefreshConfig `toml:"refresh" json:"refresh"`

	// Threat holds threat detection engine configuration.
	Threat ThreatConfig `toml:"threat" json:"threat"`

	// Audit holds audit logging configuration.
	Audit AuditConfig `toml:"audit" json:"audit"`
}

// SessionConfig contains session lifecycle configuration.
type SessionConfig struct {
	// IdleTimeoutSecs is how long a session may be idle before forced logout.
	IdleTimeoutSecs int `toml:"idle_timeout_secs" json:"idle_timeout_secs"`
	// MaxSessionSecs is the absolute session age ceiling, independent of activity.
	MaxSessionSecs int `toml:"max_session_secs" json:"max_session_secs"`
	// WarningLeadSecs is how long before either timeout to emit a warning.
	WarningLeadSecs int `toml:"warning_lead_secs" json:"warning_lead_secs"`
	// CheckIntervalSecs is the periodic timer sweep. Both timeouts are also
	// armed as one-shot timers; the sweep keeps them honest across suspend
	// and clock drift.
	CheckIntervalSecs int `toml:"check_interval_secs" json:"check_interval_secs"`
	// MaxStateAgeSecs is the ceiling on restored session age. A persisted
	// session older than this is discarded on restore.
	MaxStateAgeSecs int `toml:"max_state_age_secs" json:"max_state_age_secs"`
	// RememberMe keeps the refresh token across restarts.
	RememberMe bool `toml:"remember_me" json:"remember_me"`
}

// RefreshConfig contains token refresh configuration.
type RefreshConfig struct {
	// Endpoint is the identity service refresh URL.
	Endpoint string `toml:"endpoint" json:"endpoint"`
	// LeadSecs is how long before access token expiry to refresh proactively.
	LeadSecs int `toml:"lead_secs" json:"lead_secs"`
	// MaxFailures is the consecutive-failure count that terminates the
	// session. Transient network blips below this count are tolerated.
	MaxFailures int `toml:"max_failures" json:"max_failures"`
	// RetryBackoffMillis is the base backoff between attempts within one call.
	RetryBackoffMillis int `toml:"retry_backoff_millis" json:"retry_backoff_millis"`
	// TimeoutSecs is the per-request HTTP timeout.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// Detection engine modes.
const (
	// EngineRule scores every threat type at a fixed confidence.
	EngineRule = "rule"
	// EngineAdaptive adjusts confidence by context and learns trigger
	// thresholds from feedback.
	EngineAdaptive = "adaptive"
)

// ThreatConfig contains threat detection configuration.
type ThreatConfig struct {
	// MonitoringEnabled turns passive observation on or off.
	MonitoringEnabled bool `toml:"monitoring_enabled" json:"monitoring_enabled"`
	// Engine selects the detection strategy: "rule" or "adaptive".
	Engine string `toml:"engine" json:"engine"`
	// StrictFingerprint makes a device fingerprint mismatch on restore
	// invalidate the session instead of only raising a threat event.
	StrictFingerprint bool `toml:"strict_fingerprint" json:"strict_fingerprint"`
	// ActionThreshold is the adaptive confidence at or above which
	// logout-worthy threat types force a logout. Range 0-100.
	ActionThreshold float64 `toml:"action_threshold" json:"action_threshold"`
	// JournalRetentionHours is how long journal entries are kept.
	JournalRetentionHours int `toml:"journal_retention_hours" json:"journal_retention_hours"`
	// JournalMaxEvents is the journal count ceiling; oldest entries are
	// evicted past it.
	JournalMaxEvents int `toml:"journal_max_events" json:"journal_max_events"`
	// AllowedOrigins are the origins accepted on observed requests. Anything
	// else raises an invalid_origin event.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	// DevContext marks this device as a development machine; benign noise
	// such as devtools presence is scored down.
	DevContext bool `toml:"dev_context" json:"dev_context"`
}

// AuditConfig contains audit logging configuration.
type AuditConfig struct {
	// Enabled turns audit logging on or off.
	Enabled bool `toml:"enabled" json:"enabled"`
	// LogPath is the audit log file (empty = <state_dir>/audit.log).
	LogPath string `toml:"log_path" json:"log_path"`
	// MaxFileSizeMB is the size at which the log rotates.
	MaxFileSizeMB int64 `toml:"max_file_size_mb" json:"max_file_size_mb"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Session: SessionConfig{
			IdleTimeoutSecs:   1800,      // 30 minutes idle
			MaxSessionSecs:    8 * 3600,  // 8 hour absolute ceiling
			WarningLeadSecs:   120,       // warn 2 minutes out
			CheckIntervalSecs: 60,        // sweep every minute
			MaxStateAgeSecs:   24 * 3600, // restored state older than a day is dead
			RememberMe:        true,      // false makes logins session-only
		},

		Refresh: RefreshConfig{
			Endpoint:           "",
			LeadSecs:           300, // refresh 5 minutes before expiry
			MaxFailures:        3,
			RetryBackoffMillis: 500,
			TimeoutSecs:        15,
		},

		Threat: ThreatConfig{
			MonitoringEnabled:     true,
			Engine:                "adaptive",
			StrictFingerprint:     false,
			ActionThreshold:       85,
			JournalRetentionHours: 24,
			JournalMaxEvents:      1000,
			AllowedOrigins:        nil,
			DevContext:            false,
		},

		Audit: AuditConfig{
			Enabled:       true,
			MaxFileSizeMB: 10,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// DefaultStateDir returns the sessionguard state directory path.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".sessionguard"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", info.Mode().Perm(), err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last, before validation.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	cfg, err := finalize(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads configuration from a specific file path with full
// validation. JSON files are detected by extension; everything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// finalize applies env overrides, defaults and validation in load order.
func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# sessionguard configuration file\n")
	sb.WriteString("# Generated by sessionguard - edit with care\n\n")

	encoder := toml.NewEncoder(&sb)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// ==========================================================================
	// Session Settings Validation
	// ==========================================================================

	if c.Session.IdleTimeoutSecs < 60 {
		errs = append(errs, ValidationError{
			Field:   "session.idle_timeout_secs",
			Message: fmt.Sprintf("must be at least 60 seconds, got %d", c.Session.IdleTimeoutSecs),
		})
	}
	if c.Session.MaxSessionSecs < c.Session.IdleTimeoutSecs {
		errs = append(errs, ValidationError{
			Field:   "session.max_session_secs",
			Message: fmt.Sprintf("must be at least idle_timeout_secs (%d), got %d", c.Session.IdleTimeoutSecs, c.Session.MaxSessionSecs),
		})
	}
	if c.Session.WarningLeadSecs <= 0 || c.Session.WarningLeadSecs >= c.Session.IdleTimeoutSecs {
		errs = append(errs, ValidationError{
			Field:   "session.warning_lead_secs",
			Message: fmt.Sprintf("must be between 1 and idle_timeout_secs, got %d", c.Session.WarningLeadSecs),
		})
	}
	if c.Session.CheckIntervalSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.check_interval_secs",
			Message: fmt.Sprintf("must be at least 1 second, got %d", c.Session.CheckIntervalSecs),
		})
	}
	if c.Session.MaxStateAgeSecs < c.Session.MaxSessionSecs {
		errs = append(errs, ValidationError{
			Field:   "session.max_state_age_secs",
			Message: fmt.Sprintf("must be at least max_session_secs (%d), got %d", c.Session.MaxSessionSecs, c.Session.MaxStateAgeSecs),
		})
	}

	// ==========================================================================
	// Refresh Settings Validation
	// ==========================================================================

	if c.Refresh.Endpoint != "" {
		if _, err := url.Parse(c.Refresh.Endpoint); err != nil {
			errs = append(errs, ValidationError{
				Field:   "refresh.endpoint",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Refresh.LeadSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "refresh.lead_secs",
			Message: "must be non-negative",
		})
	}
	// Bounded retries keep a broken identity service from wedging logout.
	if c.Refresh.MaxFailures < 1 || c.Refresh.MaxFailures > 10 {
		errs = append(errs, ValidationError{
			Field:   "refresh.max_failures",
			Message: fmt.Sprintf("must be 1-10, got %d", c.Refresh.MaxFailures),
		})
	}
	if c.Refresh.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "refresh.timeout_secs",
			Message: fmt.Sprintf("must be at least 1 second, got %d", c.Refresh.TimeoutSecs),
		})
	}

	// ==========================================================================
	// Threat Settings Validation
	// ==========================================================================

	validEngines := map[string]bool{EngineRule: true, EngineAdaptive: true}
	if !validEngines[strings.ToLower(c.Threat.Engine)] {
		errs = append(errs, ValidationError{
			Field:   "threat.engine",
			Message: fmt.Sprintf("invalid engine '%s', must be one of: rule, adaptive", c.Threat.Engine),
		})
	}
	if c.Threat.ActionThreshold < 0 || c.Threat.ActionThreshold > 100 {
		errs = append(errs, ValidationError{
			Field:   "threat.action_threshold",
			Message: fmt.Sprintf("must be 0-100, got %g", c.Threat.ActionThreshold),
		})
	}
	if c.Threat.JournalRetentionHours < 1 {
		errs = append(errs, ValidationError{
			Field:   "threat.journal_retention_hours",
			Message: fmt.Sprintf("must be at least 1 hour, got %d", c.Threat.JournalRetentionHours),
		})
	}
	if c.Threat.JournalMaxEvents < 10 {
		errs = append(errs, ValidationError{
			Field:   "threat.journal_max_events",
			Message: fmt.Sprintf("must be at least 10, got %d", c.Threat.JournalMaxEvents),
		})
	}

	// ==========================================================================
	// Audit Settings Validation
	// ==========================================================================

	if c.Audit.MaxFileSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_file_size_mb",
			Message: fmt.Sprintf("must be at least 1 MB, got %d", c.Audit.MaxFileSizeMB),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.StateDir == "" {
		if dir, err := DefaultStateDir(); err == nil {
			c.StateDir = dir
		}
	}

	if c.Session.IdleTimeoutSecs == 0 {
		c.Session.IdleTimeoutSecs = defaults.Session.IdleTimeoutSecs
	}
	if c.Session.MaxSessionSecs == 0 {
		c.Session.MaxSessionSecs = defaults.Session.MaxSessionSecs
	}
	if c.Session.WarningLeadSecs == 0 {
		c.Session.WarningLeadSecs = defaults.Session.WarningLeadSecs
	}
	if c.Session.CheckIntervalSecs == 0 {
		c.Session.CheckIntervalSecs = defaults.Session.CheckIntervalSecs
	}
	if c.Session.MaxStateAgeSecs == 0 {
		c.Session.MaxStateAgeSecs = defaults.Session.MaxStateAgeSecs
	}

	if c.Refresh.LeadSecs == 0 {
		c.Refresh.LeadSecs = defaults.Refresh.LeadSecs
	}
	if c.Refresh.MaxFailures == 0 {
		c.Refresh.MaxFailures = defaults.Refresh.MaxFailures
	}
	if c.Refresh.RetryBackoffMillis == 0 {
		c.Refresh.RetryBackoffMillis = defaults.Refresh.RetryBackoffMillis
	}
	if c.Refresh.TimeoutSecs == 0 {
		c.Refresh.TimeoutSecs = defaults.Refresh.TimeoutSecs
	}

	if c.Threat.Engine == "" {
		c.Threat.Engine = defaults.Threat.Engine
	}
	if c.Threat.ActionThreshold == 0 {
		c.Threat.ActionThreshold = defaults.Threat.ActionThreshold
	}
	if c.Threat.JournalRetentionHours == 0 {
		c.Threat.JournalRetentionHours = defaults.Threat.JournalRetentionHours
	}
	if c.Threat.JournalMaxEvents == 0 {
		c.Threat.JournalMaxEvents = defaults.Threat.JournalMaxEvents
	}

	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = defaults.Audit.MaxFileSizeMB
	}
	if c.Audit.LogPath == "" && c.StateDir != "" {
		c.Audit.LogPath = filepath.Join(c.StateDir, "audit.log")
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - SESSIONGUARD_STATE_DIR: overrides state_dir
//   - SESSIONGUARD_REFRESH_ENDPOINT: overrides refresh.endpoint
//   - SESSIONGUARD_IDLE_TIMEOUT_SECS: overrides session.idle_timeout_secs
//   - SESSIONGUARD_MAX_SESSION_SECS: overrides session.max_session_secs
//   - SESSIONGUARD_ENGINE: overrides threat.engine
//   - SESSIONGUARD_MONITORING: "1"/"true" or "0"/"false"
//   - SESSIONGUARD_STRICT_FINGERPRINT: "1"/"true" enables strict restore mode
func (c *Config) ApplyEnvOverrides() {
	if dir := os.Getenv("SESSIONGUARD_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if ep := os.Getenv("SESSIONGUARD_REFRESH_ENDPOINT"); ep != "" {
		c.Refresh.Endpoint = ep
	}
	if v := os.Getenv("SESSIONGUARD_IDLE_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSecs = secs
		}
	}
	if v := os.Getenv("SESSIONGUARD_MAX_SESSION_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessionSecs = secs
		}
	}
	if engine := os.Getenv("SESSIONGUARD_ENGINE"); engine != "" {
		c.Threat.Engine = engine
	}
	if v := os.Getenv("SESSIONGUARD_MONITORING"); v != "" {
		c.Threat.MonitoringEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SESSIONGUARD_STRICT_FINGERPRINT"); v != "" {
		c.Threat.StrictFingerprint = v == "1" || strings.EqualFold(v, "true")
	}
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

// Components consume durations, not raw seconds; conversion lives here so the
// numeric config surface stays flat for TOML/JSON.

// IdleTimeout returns the idle timeout as a duration.
func (c *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// MaxSessionAge returns the absolute session ceiling as a duration.
func (c *SessionConfig) MaxSessionAge() time.Duration {
	return time.Duration(c.MaxSessionSecs) * time.Second
}

// WarningLead returns the warning lead as a duration.
func (c *SessionConfig) WarningLead() time.Duration {
	return time.Duration(c.WarningLeadSecs) * time.Second
}

// CheckInterval returns the periodic sweep interval as a duration.
func (c *SessionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// MaxStateAge returns the restore age ceiling as a duration.
func (c *SessionConfig) MaxStateAge() time.Duration {
	return time.Duration(c.MaxStateAgeSecs) * time.Second
}

// Lead returns the proactive refresh lead as a duration.
func (c *RefreshConfig) Lead() time.Duration {
	return time.Duration(c.LeadSecs) * time.Second
}

// RetryBackoff returns the base retry backoff as a duration.
func (c *RefreshConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// Timeout returns the per-request timeout as a duration.
func (c *RefreshConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// JournalRetention returns the journal retention horizon as a duration.
func (c *ThreatConfig) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionHours) * time.Hour
}

// =============================================================================
// COPY AND DEBUG
// =============================================================================

// Clone creates a deep copy of the configuration.
// SECURITY: Components snapshot their config at construction; a deep copy
// prevents later mutation from leaking through shared slice references.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Threat.AllowedOrigins != nil {
		clone.Threat.AllowedOrigins = append([]string(nil), c.Threat.AllowedOrigins...)
	}
	return &clone
}

// String returns a string representation of the config for debugging.
// No secrets live in this config, but the refresh endpoint may embed
// credentials in the URL; redact the userinfo portion if present.
func (c *Config) String() string {
	safe := c.Clone()
	if u, err := url.Parse(safe.Refresh.Endpoint); err == nil && u.User != nil {
		u.User = url.UserPassword("REDACTED", "REDACTED")
		safe.Refresh.Endpoint = u.String()
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
