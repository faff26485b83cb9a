// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package refresh keeps the access token fresh. A single coordinator owns
// all refresh traffic for the process: concurrent callers collapse onto one
// in-flight operation, a proactive timer renews the token before expiry, and
// a consecutive-failure counter purges credentials once the refresh endpoint
// is clearly rejecting us.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
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
// ERRORS
// =============================================================================

var (
	// ErrNoRefreshToken means the stored record has no refresh credential;
	// the session cannot be extended and must re-authenticate.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshRejected means the endpoint answered with a non-retryable
	// authentication failure.
	ErrRefreshRejected = errors.New("refresh rejected by endpoint")

	// ErrSessionPurged means consecutive failures exhausted the retry
	// budget and the stored credentials were cleared.
	ErrSessionPurged = errors.New("session purged after repeated refresh failures")
)

// maxRetryBackoff bounds the exponential retry delay between failed
// proactive attempts.
const maxRetryBackoff = time.Minute

// =============================================================================
// WIRE SHAPES
// =============================================================================

// refreshRequest is the POST body sent to the refresh endpoint.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the endpoint's success payload.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
}

// Broadcaster announces refresh outcomes to peer instances. Satisfied by
// *crosstab.Channel; nil disables cross-instance announcements.
type Broadcaster interface {
	Broadcast(msgType crosstab.MessageType, data any) error
}

// =============================================================================
// COORDINATOR
// =============================================================================

// pendingOp memoizes one in-flight refresh so concurrent callers share its
// outcome instead of issuing duplicate network requests.
type pendingOp struct {
	done    chan struct{}
	renewed bool
	err     error
}

// Coordinator serializes token refresh for the whole process.
type Coordinator struct {
	mu       sync.Mutex
	cfg      config.RefreshConfig
	store    *store.Store
	events   *bus.Bus
	auditLog *audit.Logger
	peers    Broadcaster
	client   *http.Client
	limiter  *rate.Limiter

	pending    *pendingOp
	failures   int
	timer      *time.Timer
	closed     bool
	onRotation func()
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient overrides the HTTP client used for refresh requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.client = client
	}
}

// WithBroadcaster wires cross-instance announcements for refresh outcomes.
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) {
		c.peers = b
	}
}

// WithRotationHook is called right before a renewed record is persisted,
// so monitors expecting a stable session identifier can stand down for the
// legitimate change.
func WithRotationHook(hook func()) Option {
	return func(c *Coordinator) {
		c.onRotation = hook
	}
}

// New creates a refresh coordinator. The rate limiter allows a small burst
// and then throttles to one request per backoff interval, so a broken caller
// loop cannot hammer the endpoint.
func New(cfg config.RefreshConfig, tokens *store.Store, events *bus.Bus, auditLog *audit.Logger, opts ...Option) *Coordinator {
	interval := cfg.RetryBackoff()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    tokens,
		events:   events,
		auditLog: auditLog,
		client:   &http.Client{Timeout: cfg.Timeout()},
		limiter:  rate.NewLimiter(rate.Every(interval), 3),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailureCount reports the consecutive refresh failures so far.
func (c *Coordinator) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Close cancels the proactive timer. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// =============================================================================
// REFRESH (SINGLE-FLIGHT)
// =============================================================================

// Refresh renews the access token, collapsing concurrent callers onto one
// in-flight request. Returns true when a new token was stored. The operation
// itself is not bound to any single caller's context; a caller whose ctx
// expires stops waiting but the shared request runs to completion.
func (c *Coordinator) Refresh(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if op := c.pending; op != nil {
		c.mu.Unlock()
		return c.await(ctx, op)
	}
	op := &pendingOp{done: make(chan struct{})}
	c.pending = op
	c.mu.Unlock()

	go c.execute(op)
	return c.await(ctx, op)
}

func (c *Coordinator) await(ctx context.Context, op *pendingOp) (bool, error) {
	select {
	case <-op.done:
		return op.renewed, op.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// execute runs one refresh attempt and settles the memoized operation.
func (c *Coordinator) execute(op *pendingOp) {
	renewed, err := c.doRefresh(context.Background())

	c.mu.Lock()
	c.pending = nil
	if err == nil {
		c.failures = 0
	} else if !errors.Is(err, ErrNoRefreshToken) && !errors.Is(err, store.ErrNoToken) {
		c.failures++
		if c.failures >= c.cfg.MaxFailures {
			c.mu.Unlock()
			c.purge(err)
			op.renewed = false
			op.err = ErrSessionPurged
			close(op.done)
			return
		}
	}
	c.mu.Unlock()

	op.renewed = renewed
	op.err = err
	close(op.done)
}

// doRefresh performs the HTTP exchange and persists the renewed record.
func (c *Coordinator) doRefresh(ctx context.Context) (bool, error) {
	current, err := c.store.LoadToken()
	if err != nil {
		return false, fmt.Errorf("cannot refresh: %w", err)
	}
	if current.RefreshToken == "" {
		return false, ErrNoRefreshToken
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("refresh rate limit wait: %w", err)
	}

	resp, err := c.post(ctx, current.RefreshToken)
	if err != nil {
		c.audit("token_refresh", current.SessionID, false, err)
		return false, err
	}

	now := time.Now()
	record := &store.TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		UserID:       resp.UserID,
		SessionID:    resp.SessionID,
	}
	// Endpoints that rotate only the access token omit the other fields.
	if record.RefreshToken == "" {
		record.RefreshToken = current.RefreshToken
	}
	if record.SessionID == "" {
		record.SessionID = current.SessionID
	}
	if record.UserID == "" {
		record.UserID = current.UserID
	}

	if c.onRotation != nil && record.SessionID != current.SessionID {
		c.onRotation()
	}

	if err := c.store.SaveToken(record); err != nil {
		// A concurrent instance already stored a newer record; treat the
		// session as renewed rather than failing the caller.
		if errors.Is(err, store.ErrStaleToken) {
			return true, nil
		}
		c.audit("token_refresh", record.SessionID, false, err)
		return false, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	c.audit("token_refresh", record.SessionID, true, nil)
	c.events.Publish(bus.Event{Type: bus.EventTokenRefreshed, Reason: "renewed"})
	if c.peers != nil {
		_ = c.peers.Broadcast(crosstab.MessageTokenRefreshed, map[string]string{
			"session_id": record.SessionID,
		})
	}
	c.ScheduleProactive(record.ExpiresAt)
	return true, nil
}

// post sends the refresh request and decodes the response.
func (c *Coordinator) post(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrRefreshRejected, httpResp.StatusCode)
	default:
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("refresh endpoint returned status %d", httpResp.StatusCode)
	}

	var resp refreshResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, errors.New("refresh response missing access token")
	}
	if resp.ExpiresIn <= 0 {
		return nil, errors.New("refresh response missing expiry")
	}
	return &resp, nil
}

// =============================================================================
// FAILURE PURGE
// =============================================================================

// purge clears stored credentials after the failure budget is exhausted and
// tells every listener and peer instance that the session ended.
func (c *Coordinator) purge(cause error) {
	sessionID := c.store.CurrentSessionID()
	_ = c.store.ClearToken()

	c.mu.Lock()
	c.failures = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.audit("session_purge", sessionID, false, cause)
	c.events.Publish(bus.Event{Type: bus.EventSessionLogout, Reason: "refresh_failed"})
	if c.peers != nil {
		_ = c.peers.Broadcast(crosstab.MessageLogout, map[string]string{
			"reason": "refresh_failed",
		})
	}
}

// =============================================================================
// PROACTIVE SCHEDULING
// =============================================================================

// ScheduleProactive arms a one-shot timer that refreshes before the token
// expires. Delay is expiry minus the configured lead; a token already inside
// the lead window (or past expiry) refreshes immediately. Re-arming replaces
// any earlier timer, and each failed attempt retries with bounded
// exponential backoff until the failure budget purges the session.
func (c *Coordinator) ScheduleProactive(expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	delay := time.Until(expiresAt) - c.cfg.Lead()
	if delay < 0 {
		delay = 0
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.proactiveFire)
}

// proactiveFire runs a scheduled refresh and, on a retryable failure, arms
// the next attempt.
func (c *Coordinator) proactiveFire() {
	_, err := c.Refresh(context.Background())
	if err == nil || errors.Is(err, ErrSessionPurged) || errors.Is(err, ErrNoRefreshToken) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	attempts := c.failures
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.cfg.RetryBackoff() << (attempts - 1)
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(backoff, c.proactiveFire)
}

// audit records a refresh-related event, tolerating a nil logger.
func (c *Coordinator) audit(eventType, sessionID string, success bool, cause error) {
	if c.auditLog == nil {
		return
	}
	event := audit.Event{
		EventType: eventType,
		SessionID: sessionID,
		Success:   success,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	_ = c.auditLog.Log(event)
}
