// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crosstab synchronizes session events across concurrent app
// instances sharing one state directory. A broadcast writes a small envelope
// file that is cleaned up moments later; peers watch the directory with
// fsnotify and react to the create event. Envelopes carry a timestamp and
// expire quickly, so a file left behind by a crashed sender cannot replay
// on startup.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// MessageType identifies the cross-instance message kind.
type MessageType string

const (
	// MessageLogout tells peers to terminate their session immediately.
	MessageLogout MessageType = "logout"
	// MessageTokenRefreshed tells peers to reload the token record.
	MessageTokenRefreshed MessageType = "token_refreshed"
	// MessageActivity propagates user activity so idle timers stay aligned.
	MessageActivity MessageType = "activity"
	// MessageThreat announces a detected threat to peers.
	MessageThreat MessageType = "threat"
)

// Envelope is the wire shape of one broadcast message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	TabID     string          `json:"tab_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Handler receives messages from peer instances. Never called for messages
// this instance sent itself.
type Handler func(Envelope)

const (
	// syncFile is the transient envelope file inside the state directory.
	syncFile = "sync.json"

	// maxMessageAge guards against replay of an orphaned sync file left by
	// a sender that crashed before cleanup.
	maxMessageAge = 5 * time.Second

	// cleanupDelay is how long a broadcast envelope stays on disk. Long
	// enough for every peer's watcher to read it, short relative to
	// maxMessageAge.
	cleanupDelay = time.Second
)

// =============================================================================
// CHANNEL
// =============================================================================

// Channel is one instance's endpoint on the shared-directory broadcast bus.
type Channel struct {
	mu       sync.Mutex
	dir      string
	tabID    string
	watcher  *fsnotify.Watcher
	handlers []Handler
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	closed   bool
}

// New creates a channel endpoint rooted at dir. Each endpoint gets a unique
// tab ID used to filter its own echoes.
func New(dir string) (*Channel, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sync directory: %w", err)
	}
	return &Channel{
		dir:   dir,
		tabID: uuid.NewString(),
		done:  make(chan struct{}),
	}, nil
}

// TabID returns this instance's identity on the channel.
func (c *Channel) TabID() string {
	return c.tabID
}

// OnMessage registers a handler for peer messages. Must be called before
// Start; handlers run on the watcher goroutine.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Start begins watching the shared directory for peer broadcasts.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create sync watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch sync directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.watcher = watcher
	c.cancel = cancel
	c.started = true

	go c.run(runCtx)
	return nil
}

// Close stops the watcher and waits for the receive loop to drain.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if started {
		<-c.done
		return c.watcher.Close()
	}
	close(c.done)
	return nil
}

// =============================================================================
// BROADCAST
// =============================================================================

// Broadcast publishes a message to all peer instances. The envelope file is
// removed shortly after the write; peers act on the create notification and
// the stale filter in deliver keeps an orphaned file from replaying.
func (c *Channel) Broadcast(msgType MessageType, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode sync payload: %w", err)
		}
		raw = encoded
	}

	env := Envelope{
		Type:      msgType,
		TabID:     c.tabID,
		Timestamp: time.Now(),
		Data:      raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode sync envelope: %w", err)
	}

	path := filepath.Join(c.dir, syncFile)
	if err := util.AtomicWriteFile(path, payload, 0600); err != nil {
		return fmt.Errorf("failed to write sync envelope: %w", err)
	}
	// Best effort: the message was delivered at write time.
	time.AfterFunc(cleanupDelay, func() { _ = os.Remove(path) })
	return nil
}

// =============================================================================
// RECEIVER
// =============================================================================

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != syncFile {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			c.deliver(event.Name)
		case _, ok := <-c.watcher.Errors:
			// Watch errors are transient on the platforms we support;
			// the next broadcast still lands as a fresh create event.
			if !ok {
				return
			}
		}
	}
}

// deliver reads and dispatches one envelope file. Senders remove the file
// immediately, so a missing file just means we lost the race to a peer or
// the sender's cleanup; both are fine.
func (c *Channel) deliver(path string) {
	payload, err := os.ReadFile(path)
	if err != nil || len(payload) == 0 {
		return
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	if env.TabID == c.tabID {
		return // own echo
	}
	if time.Since(env.Timestamp) > maxMessageAge {
		return // orphaned file from a crashed sender
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}
